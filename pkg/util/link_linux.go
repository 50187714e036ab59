package util

import (
	"errors"

	"arhat.dev/abbot-team/pkg/wrap/netlink"
)

type linkLookupFunc func(name string) (netlink.Link, error)

// LinkOperState reports the kernel operational state of the link named name
func LinkOperState(name string) string {
	return linkOperState(netlink.LinkByName, name)
}

func linkOperState(lookup linkLookupFunc, name string) string {
	link, err := lookup(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return LinkStateAbsent
		}

		return LinkStateUnknown
	}

	return link.Attrs().OperState.String()
}
