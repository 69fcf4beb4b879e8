package addr

import "fmt"

// PortKey identifies a logical overlay connection by its four-tuple:
// source address/port and destination address/port. It is the unit of
// lookup for VNIC connection tables.
//
// Grounded on _examples/original_source/src/playground/network/common/PortKey.py.
type PortKey struct {
	Source          string
	SourcePort      uint16
	Destination     string
	DestinationPort uint16
}

// NewPortKey constructs a PortKey from an Address pair.
func NewPortKey(source Address, sourcePort uint16, destination Address, destinationPort uint16) PortKey {
	return PortKey{
		Source:          source.String(),
		SourcePort:      sourcePort,
		Destination:     destination.String(),
		DestinationPort: destinationPort,
	}
}

// Inverse swaps source and destination, used to turn a wire packet's key
// (as seen by the sender) into the key the receiver looks up locally.
func (k PortKey) Inverse() PortKey {
	return PortKey{
		Source:          k.Destination,
		SourcePort:      k.DestinationPort,
		Destination:     k.Source,
		DestinationPort: k.SourcePort,
	}
}

// SourceOnly returns a key with the destination side zeroed, used when
// matching a listening socket that only knows its own address/port.
func (k PortKey) SourceOnly() PortKey {
	return PortKey{Source: k.Source, SourcePort: k.SourcePort}
}

// DestinationOnly returns a key with the source side zeroed.
func (k PortKey) DestinationOnly() PortKey {
	return PortKey{Destination: k.Destination, DestinationPort: k.DestinationPort}
}

func (k PortKey) String() string {
	return fmt.Sprintf("(%s:%d) <-> (%s:%d)", k.Source, k.SourcePort, k.Destination, k.DestinationPort)
}
