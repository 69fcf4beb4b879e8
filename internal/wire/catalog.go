package wire

// This file registers the core packet catalog against
// the process-wide default registry, and provides typed constructors
// and accessors over the generic Packet container for each type.

const (
	maxUint8  = (uint64(1) << 8) - 1
	maxUint16 = (uint64(1) << 16) - 1
	maxUint32 = (uint64(1) << 32) - 1
)

var (
	// AnnounceLinkDef: sent by a client over its switch TCP session to
	// claim an address.
	AnnounceLinkDef = MustNewPacketDef("AnnounceLink", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "address", Kind: KindString},
	))

	fragDataDef = MustNewPacketDef("FragData", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "fragId", Kind: KindUint, MaxValue: maxUint32},
		FieldSpec{Name: "totalSize", Kind: KindUint, MaxValue: maxUint64Full},
		FieldSpec{Name: "offset", Kind: KindUint, MaxValue: maxUint64Full},
	))

	// WirePacketDef: payload unit on inter-device TCP hops.
	WirePacketDef = MustNewPacketDef("WirePacket", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "source", Kind: KindString},
		FieldSpec{Name: "destination", Kind: KindString},
		FieldSpec{Name: "sourcePort", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "destinationPort", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "fragData", Kind: KindComplex, Optional: true, Nested: fragDataDef},
		FieldSpec{Name: "data", Kind: KindBuffer},
	))

	connectDataDef = MustNewPacketDef("ConnectData", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "destination", Kind: KindString},
		FieldSpec{Name: "destinationPort", Kind: KindUint, MaxValue: maxUint16},
	))

	listenDataDef = MustNewPacketDef("ListenData", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "sourcePort", Kind: KindUint, MaxValue: maxUint16},
	))

	// VNICSocketOpenDef: application -> VNIC, open outbound or
	// listening virtual socket.
	VNICSocketOpenDef = MustNewPacketDef("VNICSocketOpen", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "connectionId", Kind: KindUint, MaxValue: maxUint32},
		FieldSpec{Name: "callbackAddress", Kind: KindString},
		FieldSpec{Name: "callbackPort", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "connectData", Kind: KindComplex, Optional: true, Nested: connectDataDef},
		FieldSpec{Name: "listenData", Kind: KindComplex, Optional: true, Nested: listenDataDef},
	))

	// VNICSocketOpenResponseDef: VNIC -> application, positive or
	// negative.
	VNICSocketOpenResponseDef = MustNewPacketDef("VNICSocketOpenResponse", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "connectionId", Kind: KindUint, MaxValue: maxUint32},
		FieldSpec{Name: "port", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "errorCode", Kind: KindUint, Optional: true, MaxValue: maxUint16},
		FieldSpec{Name: "errorMessage", Kind: KindString, Optional: true},
	))

	// VNICConnectionSpawnedDef: VNIC -> application, a newly
	// materialized logical connection has been given a callback TCP
	// port.
	VNICConnectionSpawnedDef = MustNewPacketDef("VNICConnectionSpawned", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "connectionId", Kind: KindUint, MaxValue: maxUint32},
		FieldSpec{Name: "spawnTcpPort", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "source", Kind: KindString},
		FieldSpec{Name: "sourcePort", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "destination", Kind: KindString},
		FieldSpec{Name: "destinationPort", Kind: KindUint, MaxValue: maxUint16},
	))

	// VNICSocketCloseDef: application -> VNIC, tear down a logical
	// socket.
	VNICSocketCloseDef = MustNewPacketDef("VNICSocketClose", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "connectionId", Kind: KindUint, MaxValue: maxUint32},
	))

	// VNICStartDumpDef / VNICStopDumpDef: application -> VNIC,
	// enter/exit raw capture mode. No fields.
	VNICStartDumpDef = MustNewPacketDef("VNICStartDump", MustParseVersion("1.0"), nil)
	VNICStopDumpDef  = MustNewPacketDef("VNICStopDump", MustParseVersion("1.0"), nil)

	// VNICPromiscuousLevelDef: get/set promiscuity level (0..4).
	VNICPromiscuousLevelDef = MustNewPacketDef("VNICPromiscuousLevel", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "set", Kind: KindUint, Optional: true, MaxValue: maxUint8},
		FieldSpec{Name: "get", Kind: KindUint, Optional: true, MaxValue: maxUint8},
	))

	// SPMPPacketDef: introspection/control RPC, multiplexed via a
	// framed wrapper (see internal/spmp).
	SPMPPacketDef = MustNewPacketDef("SPMPPacket", MustParseVersion("1.0"), Fields(
		FieldSpec{Name: "requestId", Kind: KindUint, MaxValue: maxUint16},
		FieldSpec{Name: "request", Kind: KindString},
		FieldSpec{Name: "args", Kind: KindList, Elem: &FieldSpec{Kind: KindString}},
		FieldSpec{Name: "result", Kind: KindString, Optional: true},
		FieldSpec{Name: "error", Kind: KindString, Optional: true},
	))
)

// maxUint64Full forces the full 8-byte width for fields whose
// MaxValue would otherwise default to 2^32-1 (totalSize/offset can
// legitimately exceed that for very large fragmented payloads).
const maxUint64Full = ^uint64(0)

func init() { //nolint:gochecknoinits
	for _, def := range []*PacketDef{
		AnnounceLinkDef,
		WirePacketDef,
		VNICSocketOpenDef,
		VNICSocketOpenResponseDef,
		VNICConnectionSpawnedDef,
		VNICSocketCloseDef,
		VNICStartDumpDef,
		VNICStopDumpDef,
		VNICPromiscuousLevelDef,
		SPMPPacketDef,
	} {
		defaultRegistry.MustRegister(def)
	}
}

// ---- AnnounceLink ----

func NewAnnounceLink(address string) *Packet {
	return NewPacket(AnnounceLinkDef).Set("address", address)
}

func (p *Packet) Address() (string, error) { return p.GetString("address") }

// ---- WirePacket ----

// WireFragData describes the fragmentation metadata of a WirePacket
// whose payload was split because it exceeded MAX_MSG_SIZE.
type WireFragData struct {
	FragID    uint32
	TotalSize uint64
	Offset    uint64
}

func NewWirePacket(source, destination string, sourcePort, destinationPort uint16, data []byte) *Packet {
	return NewPacket(WirePacketDef).
		Set("source", source).
		Set("destination", destination).
		Set("sourcePort", uint64(sourcePort)).
		Set("destinationPort", uint64(destinationPort)).
		Set("data", data)
}

// WithFragData attaches fragmentation metadata to a WirePacket built
// via NewWirePacket, for use when a payload had to be split.
func (p *Packet) WithFragData(f WireFragData) *Packet {
	frag := NewPacket(fragDataDef).
		Set("fragId", uint64(f.FragID)).
		Set("totalSize", f.TotalSize).
		Set("offset", f.Offset)

	return p.Set("fragData", frag)
}

func (p *Packet) Source() (string, error)      { return p.GetString("source") }
func (p *Packet) Destination() (string, error) { return p.GetString("destination") }

func (p *Packet) SourcePort() (uint16, error) {
	return getUint16(p, "sourcePort")
}

func (p *Packet) DestinationPort() (uint16, error) {
	return getUint16(p, "destinationPort")
}

func (p *Packet) Data() ([]byte, error) { return p.GetBytes("data") }

// FragData returns the packet's fragmentation metadata, or nil if this
// WirePacket was not fragmented.
func (p *Packet) FragData() (*WireFragData, error) {
	c, err := p.GetComplex("fragData")
	if err != nil || c == nil {
		return nil, err
	}

	fragID, err := getUint32(c, "fragId")
	if err != nil {
		return nil, err
	}

	totalSize, err := c.GetUint64("totalSize")
	if err != nil {
		return nil, err
	}

	offset, err := c.GetUint64("offset")
	if err != nil {
		return nil, err
	}

	return &WireFragData{FragID: fragID, TotalSize: totalSize, Offset: offset}, nil
}

func getUint16(p *Packet, name string) (uint16, error) {
	v, err := p.GetUint64(name)
	return uint16(v), err
}

func getUint32(p *Packet, name string) (uint32, error) {
	v, err := p.GetUint64(name)
	return uint32(v), err
}

// ---- VNICSocketOpen ----

func NewVNICSocketOpen(connectionID uint32, callbackAddress string, callbackPort uint16) *Packet {
	return NewPacket(VNICSocketOpenDef).
		Set("connectionId", uint64(connectionID)).
		Set("callbackAddress", callbackAddress).
		Set("callbackPort", uint64(callbackPort))
}

func (p *Packet) WithConnectData(destination string, destinationPort uint16) *Packet {
	cd := NewPacket(connectDataDef).Set("destination", destination).Set("destinationPort", uint64(destinationPort))
	return p.Set("connectData", cd)
}

func (p *Packet) WithListenData(sourcePort uint16) *Packet {
	ld := NewPacket(listenDataDef).Set("sourcePort", uint64(sourcePort))
	return p.Set("listenData", ld)
}

func (p *Packet) ConnectionID() (uint32, error) { return getUint32(p, "connectionId") }

func (p *Packet) CallbackAddress() (string, error) { return p.GetString("callbackAddress") }

func (p *Packet) CallbackPort() (uint16, error) { return getUint16(p, "callbackPort") }

// ConnectTarget reports the destination/destinationPort of a
// VNICSocketOpen's connectData, if present.
func (p *Packet) ConnectTarget() (destination string, destinationPort uint16, ok bool, err error) {
	c, err := p.GetComplex("connectData")
	if err != nil || c == nil {
		return "", 0, false, err
	}

	destination, err = c.GetString("destination")
	if err != nil {
		return "", 0, false, err
	}

	destinationPort, err = getUint16(c, "destinationPort")

	return destination, destinationPort, true, err
}

// ListenSourcePort reports the sourcePort of a VNICSocketOpen's
// listenData, if present.
func (p *Packet) ListenSourcePort() (sourcePort uint16, ok bool, err error) {
	c, err := p.GetComplex("listenData")
	if err != nil || c == nil {
		return 0, false, err
	}

	sourcePort, err = getUint16(c, "sourcePort")

	return sourcePort, true, err
}

// ---- VNICSocketOpenResponse ----

func NewVNICSocketOpenResponse(connectionID uint32, port uint16) *Packet {
	return NewPacket(VNICSocketOpenResponseDef).
		Set("connectionId", uint64(connectionID)).
		Set("port", uint64(port))
}

func NewVNICSocketOpenError(connectionID uint32, errorCode uint16, message string) *Packet {
	return NewPacket(VNICSocketOpenResponseDef).
		Set("connectionId", uint64(connectionID)).
		Set("port", uint64(0)).
		Set("errorCode", uint64(errorCode)).
		Set("errorMessage", message)
}

func (p *Packet) Port() (uint16, error) { return getUint16(p, "port") }

func (p *Packet) ErrorCode() (uint16, bool, error) {
	v, err := p.Get("errorCode")
	if err != nil || v == nil {
		return 0, false, err
	}

	u, ok := v.(uint64)
	if !ok {
		return 0, false, ErrDefinition
	}

	return uint16(u), true, nil
}

func (p *Packet) ErrorMessage() (string, error) { return p.GetString("errorMessage") }

// ---- VNICConnectionSpawned ----

func NewVNICConnectionSpawned(connectionID uint32, spawnTCPPort uint16, source string, sourcePort uint16, destination string, destinationPort uint16) *Packet {
	return NewPacket(VNICConnectionSpawnedDef).
		Set("connectionId", uint64(connectionID)).
		Set("spawnTcpPort", uint64(spawnTCPPort)).
		Set("source", source).
		Set("sourcePort", uint64(sourcePort)).
		Set("destination", destination).
		Set("destinationPort", uint64(destinationPort))
}

func (p *Packet) SpawnTCPPort() (uint16, error) { return getUint16(p, "spawnTcpPort") }

// ---- VNICSocketClose ----

func NewVNICSocketClose(connectionID uint32) *Packet {
	return NewPacket(VNICSocketCloseDef).Set("connectionId", uint64(connectionID))
}

// ---- VNICStartDump / VNICStopDump ----

func NewVNICStartDump() *Packet { return NewPacket(VNICStartDumpDef) }
func NewVNICStopDump() *Packet  { return NewPacket(VNICStopDumpDef) }

// ---- VNICPromiscuousLevel ----

func NewVNICPromiscuousSet(level uint8) *Packet {
	return NewPacket(VNICPromiscuousLevelDef).Set("set", uint64(level))
}

func NewVNICPromiscuousGet() *Packet {
	return NewPacket(VNICPromiscuousLevelDef).Set("get", uint64(0))
}

func (p *Packet) PromiscuousSet() (uint8, bool, error) {
	v, err := p.Get("set")
	if err != nil || v == nil {
		return 0, false, err
	}

	u, _ := v.(uint64)

	return uint8(u), true, nil
}

func (p *Packet) PromiscuousGet() (bool, error) {
	v, err := p.Get("get")
	return v != nil, err
}

// ---- SPMPPacket ----

func NewSPMPRequest(requestID uint16, request string, args []string) *Packet {
	items := make([]any, len(args))
	for i, a := range args {
		items[i] = a
	}

	return NewPacket(SPMPPacketDef).
		Set("requestId", uint64(requestID)).
		Set("request", request).
		Set("args", items)
}

func NewSPMPResult(requestID uint16, request string, result string) *Packet {
	return NewPacket(SPMPPacketDef).
		Set("requestId", uint64(requestID)).
		Set("request", request).
		Set("args", []any{}).
		Set("result", result)
}

func NewSPMPError(requestID uint16, request string, errMsg string) *Packet {
	return NewPacket(SPMPPacketDef).
		Set("requestId", uint64(requestID)).
		Set("request", request).
		Set("args", []any{}).
		Set("error", errMsg)
}

func (p *Packet) RequestID() (uint16, error) { return getUint16(p, "requestId") }

func (p *Packet) Request() (string, error) { return p.GetString("request") }

func (p *Packet) Args() ([]string, error) {
	v, err := p.Get("args")
	if err != nil || v == nil {
		return nil, err
	}

	items, ok := v.([]any)
	if !ok {
		return nil, ErrDefinition
	}

	out := make([]string, len(items))

	for i, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, ErrDefinition
		}

		out[i] = s
	}

	return out, nil
}

func (p *Packet) Result() (string, error) { return p.GetString("result") }

func (p *Packet) Error() (string, error) { return p.GetString("error") }
