package netlink

import (
	"github.com/vishvananda/netlink"
)

const (
	OperUp      = netlink.OperUp
	OperDown    = netlink.OperDown
	OperUnknown = netlink.OperUnknown
)

type (
	Dummy             = netlink.Dummy
	Link              = netlink.Link
	LinkAttrs         = netlink.LinkAttrs
	LinkOperState     = netlink.LinkOperState
	LinkNotFoundError = netlink.LinkNotFoundError
)

// functions
var (
	LinkByName = netlink.LinkByName
)
