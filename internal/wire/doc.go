// Package wire implements the self-describing, versioned packet codec
// used on every TCP hop of the overlay (switch<->switch, VNIC<->switch,
// application<->VNIC): framing, intrinsic field encodings, a
// resumable streaming decoder, and the core packet catalog.
//
// Grounded on _examples/original_source/src/playground/network/packet/
// (PacketType.py, PacketDefinitionRegistration.py, fieldtypes/*.py,
// encoders/*.py) for wire semantics, and on
// _examples/dantte-lp-gobfd/internal/bfd/packet.go for Go codec idiom
// (sentinel errors, explicit width-driven int encoding, pool-free small
// buffers).
package wire
