package netio

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Interface describes one probing interface as resolved at startup.
type Interface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
}

// Resolve looks up a configured interface via netlink and checks that
// it is usable for probing: administratively up with a EUI-48 hardware
// address.
func Resolve(name string) (Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("lookup %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return Interface{}, fmt.Errorf("interface %s is down", name)
	}
	if len(attrs.HardwareAddr) != 6 {
		return Interface{}, fmt.Errorf("interface %s has no usable hardware address", name)
	}
	return Interface{
		Name:         name,
		Index:        attrs.Index,
		HardwareAddr: append(net.HardwareAddr(nil), attrs.HardwareAddr...),
	}, nil
}
