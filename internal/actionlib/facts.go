package actionlib

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// Platform is a read-only probe gathering enough OS identification for
// a role to make conditional decisions: distribution, architecture,
// kernel release, machine id, and the interface carrying the default
// route. It never mutates anything and is always Noop or Failed.
type Platform struct {
	action.Base

	Distribution        string `json:"distribution,omitempty"`
	DistributionVersion string `json:"distribution_version,omitempty"`
	Architecture        string `json:"architecture,omitempty"`
	KernelRelease       string `json:"kernel_release,omitempty"`
	MachineID           string `json:"machine_id,omitempty"`
	DefaultInterface    string `json:"default_interface,omitempty"`
}

func NewPlatform() *Platform {
	p := &Platform{Base: action.NewBase(uuid.New().String())}
	return p
}

func (p *Platform) Summary() string          { return "gather platform facts" }
func (p *Platform) LocalFilesNeeded() []string { return nil }
func (p *Platform) TypeTag() string          { return "actionlib.Platform" }

// FactTag implements role.FactsAction: the role runtime uses this to
// key RequireFacts and the per-role received-facts set.
func (p *Platform) FactTag() string { return "platform" }

func (p *Platform) Run(sys action.System) error {
	p.Result.State = action.StateNoop

	p.Architecture = runtime.GOARCH

	if release, err := readFile("/proc/sys/kernel/osrelease"); err == nil {
		p.KernelRelease = strings.TrimSpace(release)
	}

	if id, err := readFile("/etc/machine-id"); err == nil {
		p.MachineID = strings.TrimSpace(id)
	}

	dist, version, err := readOSRelease("/etc/os-release")
	if err == nil {
		p.Distribution, p.DistributionVersion = dist, version
	}

	if iface, err := defaultRouteInterface(); err == nil {
		p.DefaultInterface = iface
	}

	return nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readOSRelease parses the ID and VERSION_ID keys out of /etc/os-release.
func readOSRelease(path string) (id, version string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "ID":
			id = v
		case "VERSION_ID":
			version = v
		}
	}
	return id, version, scanner.Err()
}

// defaultRouteInterface returns the name of whichever interface has a
// usable outbound address, a cheap proxy for "the default route
// interface" that avoids parsing /proc/net/route's binary gateway
// encoding.
func defaultRouteInterface() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return iface.Name, nil
	}
	return "", fmt.Errorf("facts: no usable interface found")
}

func init() {
	action.DefaultRegistry.Register("actionlib.Platform", func() action.Action { return &Platform{} })
}
