package xpresent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"deedles.dev/xpresent/drm"
	"deedles.dev/xpresent/driver"
	"golang.org/x/sys/unix"
)

const vendorNVIDIA = 0x10de

// tegraDrivers are the kernel driver names of NVIDIA devices that do
// not show up with the PCI vendor id.
var tegraDrivers = []string{"tegra", "tegra-udrm", "tegra-drm"}

// GPU identifies one render device known to the driver.
type GPU struct {
	// Node is the primary DRM node path.
	Node string

	// Vendor is the PCI vendor id, zero if the device is not on a
	// PCI bus.
	Vendor uint32

	// Driver is the kernel driver name.
	Driver string

	// Handle is the driver's device handle.
	Handle any
}

// NVIDIA reports whether the device is driven by an NVIDIA GPU stack.
func (g *GPU) NVIDIA() bool {
	if g.Vendor == vendorNVIDIA {
		return true
	}
	for _, name := range tegraDrivers {
		if g.Driver == name {
			return true
		}
	}
	return false
}

// Platform is what the loader wires up before any display exists: the
// driver, its device enumeration, and the seams the core reaches the
// system through. Zero function fields other than NewAllocator get real
// implementations; with a nil NewAllocator, allocator creation fails.
type Platform struct {
	Driver driver.Display

	// GPUs is the driver's device enumeration.
	GPUs []GPU

	// NewAllocator opens a buffer allocator over a device fd, taking
	// ownership of it.
	NewAllocator func(*os.File) (driver.Allocator, error)

	// NewDRM wraps a device fd for syncobj ioctls, taking ownership.
	NewDRM func(*os.File) drm.Device

	// OpenNode opens a DRM device node.
	OpenNode func(string) (*os.File, error)

	// IdentifyFD resolves a device fd to its node path, vendor, and
	// kernel driver.
	IdentifyFD func(*os.File) (GPU, bool)

	// Getenv reads the environment.
	Getenv func(string) string
}

func (p *Platform) newAllocator(f *os.File) (driver.Allocator, error) {
	if p.NewAllocator == nil {
		f.Close()
		return nil, fmt.Errorf("no allocator configured")
	}
	return p.NewAllocator(f)
}

func (p *Platform) newDRM(f *os.File) drm.Device {
	if p.NewDRM != nil {
		return p.NewDRM(f)
	}
	return drm.NewFD(f)
}

func (p *Platform) openNode(node string) (*os.File, error) {
	if p.OpenNode != nil {
		return p.OpenNode(node)
	}
	return os.OpenFile(node, os.O_RDWR, 0)
}

func (p *Platform) identifyFD(f *os.File) (GPU, bool) {
	if p.IdentifyFD != nil {
		return p.IdentifyFD(f)
	}
	return identifyDeviceFD(f)
}

func (p *Platform) getenv(name string) string {
	if p.Getenv != nil {
		return p.Getenv(name)
	}
	return os.Getenv(name)
}

// findGPU matches a device by primary node path.
func (p *Platform) findGPU(node string) *GPU {
	for i := range p.GPUs {
		if p.GPUs[i].Node == node {
			return &p.GPUs[i]
		}
	}
	return nil
}

func (p *Platform) anyNVIDIA() *GPU {
	for i := range p.GPUs {
		if p.GPUs[i].NVIDIA() {
			return &p.GPUs[i]
		}
	}
	return nil
}

// identifyDeviceFD resolves a DRM device fd through sysfs.
func identifyDeviceFD(f *os.File) (GPU, bool) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return GPU{}, false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return GPU{}, false
	}

	rdev := uint64(st.Rdev)
	char := fmt.Sprintf("/sys/dev/char/%v:%v", unix.Major(rdev), unix.Minor(rdev))

	dev, err := filepath.EvalSymlinks(char)
	if err != nil {
		return GPU{}, false
	}
	gpu := GPU{Node: "/dev/dri/" + filepath.Base(dev)}

	if b, err := os.ReadFile(char + "/device/vendor"); err == nil {
		s := strings.TrimSpace(string(b))
		if v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32); err == nil {
			gpu.Vendor = uint32(v)
		}
	}
	if link, err := os.Readlink(char + "/device/driver"); err == nil {
		gpu.Driver = filepath.Base(link)
	}
	return gpu, true
}
