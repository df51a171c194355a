package wire

// Envelope kind tags for the five wire messages, used as
// transport.Envelope.Kind so a handler can pick the right Decode
// function without a side channel.
const (
	KindNearUpdateRequest     = "dkv.NearUpdateRequest"
	KindNearUpdateResponse    = "dkv.NearUpdateResponse"
	KindDhtUpdateRequest      = "dkv.DhtUpdateRequest"
	KindDhtUpdateResponse     = "dkv.DhtUpdateResponse"
	KindDhtDeferredAckRequest = "dkv.DhtDeferredAckRequest"
)

// Operation enumerates the three request kinds this package defines.
type Operation uint8

const (
	OpUpdate Operation = iota
	OpDelete
	OpTransform
)

// WriteSyncMode enumerates the three write-synchronization contracts
// this package defines.
type WriteSyncMode uint8

const (
	FullSync WriteSyncMode = iota
	PrimarySync
	FullAsync
)

// AtomicOrderMode enumerates the two cache-scoped ordering disciplines
// this package defines.
type AtomicOrderMode uint8

const (
	Clock AtomicOrderMode = iota
	Primary
)

// CacheVersion mirrors version.Version's wire shape; kept as a distinct
// type here so package wire has no dependency on package version (the
// wire format is a standalone contract that outlives any one Go type).
type CacheVersion struct {
	TopologyVer  uint64
	Order        uint64
	NodeOrder    uint32
	DataCenterID uint32
}

func (v CacheVersion) encode(w *Writer) {
	w.U64(v.TopologyVer)
	w.U64(v.Order)
	w.U32(v.NodeOrder)
	w.U32(v.DataCenterID)
}

func decodeCacheVersion(c *chainedReader) CacheVersion {
	return CacheVersion{
		TopologyVer:  c.u64(),
		Order:        c.u64(),
		NodeOrder:    c.u32(),
		DataCenterID: c.u32(),
	}
}

// NearUpdateRequest is the client→primary message.
type NearUpdateRequest struct {
	FutureVersion   uint64
	TopologyVersion uint64
	WriteSync       WriteSyncMode
	AtomicOrder     AtomicOrderMode
	Operation       Operation
	Keys            []string
	ValueBytes      [][]byte // parallel to Keys; entry is nil for DELETE/TRANSFORM
	TransformArgs   [][]byte // parallel to Keys; opaque args passed to a registered transform, nil otherwise
	Filter          []byte   // opaque filter payload; nil means "no filter"
	TTLMillis       int64
	ReturnValue     bool
	FastMap         bool
	DRTTLMillis     []int64
	DRExpireMillis  []int64
	DRVersion       []CacheVersion
}

// Encode appends n's wire encoding to w.
func (n *NearUpdateRequest) Encode(w *Writer) {
	w.U64(n.FutureVersion)
	w.U64(n.TopologyVersion)
	w.U8(uint8(n.WriteSync))
	w.U8(uint8(n.AtomicOrder))
	w.U8(uint8(n.Operation))
	w.StringSlice(n.Keys)
	w.U32(uint32(len(n.ValueBytes)))
	for _, b := range n.ValueBytes {
		w.NilBytes(b)
	}
	w.U32(uint32(len(n.TransformArgs)))
	for _, b := range n.TransformArgs {
		w.NilBytes(b)
	}
	w.NilBytes(n.Filter)
	w.I64(n.TTLMillis)
	w.Bool(n.ReturnValue)
	w.Bool(n.FastMap)
	w.U32(uint32(len(n.DRTTLMillis)))
	for _, v := range n.DRTTLMillis {
		w.I64(v)
	}
	w.U32(uint32(len(n.DRExpireMillis)))
	for _, v := range n.DRExpireMillis {
		w.I64(v)
	}
	w.U32(uint32(len(n.DRVersion)))
	for _, v := range n.DRVersion {
		v.encode(w)
	}
}

// DecodeNearUpdateRequest decodes a NearUpdateRequest from r.
func DecodeNearUpdateRequest(r *Reader) (*NearUpdateRequest, error) {
	c := chain(r)
	n := &NearUpdateRequest{
		FutureVersion:   c.u64(),
		TopologyVersion: c.u64(),
		WriteSync:       WriteSyncMode(c.u8()),
		AtomicOrder:     AtomicOrderMode(c.u8()),
		Operation:       Operation(c.u8()),
		Keys:            c.strSlice(),
	}
	if vbLen := c.u32(); c.err == nil {
		n.ValueBytes = make([][]byte, vbLen)
		for i := range n.ValueBytes {
			n.ValueBytes[i] = c.nilBytes()
		}
	}
	if taLen := c.u32(); c.err == nil {
		n.TransformArgs = make([][]byte, taLen)
		for i := range n.TransformArgs {
			n.TransformArgs[i] = c.nilBytes()
		}
	}
	n.Filter = c.nilBytes()
	n.TTLMillis = c.i64()
	n.ReturnValue = c.boolean()
	n.FastMap = c.boolean()
	if l := c.u32(); c.err == nil {
		n.DRTTLMillis = make([]int64, l)
		for i := range n.DRTTLMillis {
			n.DRTTLMillis[i] = c.i64()
		}
	}
	if l := c.u32(); c.err == nil {
		n.DRExpireMillis = make([]int64, l)
		for i := range n.DRExpireMillis {
			n.DRExpireMillis[i] = c.i64()
		}
	}
	if l := c.u32(); c.err == nil {
		n.DRVersion = make([]CacheVersion, l)
		for i := range n.DRVersion {
			n.DRVersion[i] = decodeCacheVersion(c)
		}
	}
	return n, c.err
}

// NearUpdateResponse is the primary→client message.
type NearUpdateResponse struct {
	FutureVersion uint64
	ReturnValue   []byte // nil if not requested / not applicable
	FailedKeys    []string
	Errors        []string // parallel to FailedKeys
	RemapKeys     []string // nil/empty unless the request must be remapped
}

// Encode appends n's wire encoding to w.
func (n *NearUpdateResponse) Encode(w *Writer) {
	w.U64(n.FutureVersion)
	w.NilBytes(n.ReturnValue)
	w.StringSlice(n.FailedKeys)
	w.StringSlice(n.Errors)
	w.StringSlice(n.RemapKeys)
}

// DecodeNearUpdateResponse decodes a NearUpdateResponse from r.
func DecodeNearUpdateResponse(r *Reader) (*NearUpdateResponse, error) {
	c := chain(r)
	n := &NearUpdateResponse{
		FutureVersion: c.u64(),
		ReturnValue:   c.nilBytes(),
		FailedKeys:    c.strSlice(),
		Errors:        c.strSlice(),
		RemapKeys:     c.strSlice(),
	}
	return n, c.err
}

// DhtEntry is one element of a DhtUpdateRequest's entries array.
type DhtEntry struct {
	Key           string
	KeyBytes      []byte
	Value         []byte
	DRTTLMillis   int64
	DRExpireMillis int64
	DRVersion     *CacheVersion // nil when absent
}

func (e DhtEntry) encode(w *Writer) {
	w.String(e.Key)
	w.PutBytes(e.KeyBytes)
	w.NilBytes(e.Value)
	w.I64(e.DRTTLMillis)
	w.I64(e.DRExpireMillis)
	w.Bool(e.DRVersion != nil)
	if e.DRVersion != nil {
		e.DRVersion.encode(w)
	}
}

func decodeDhtEntry(c *chainedReader) DhtEntry {
	e := DhtEntry{
		Key:            c.str(),
		KeyBytes:       c.bytes(),
		Value:          c.nilBytes(),
		DRTTLMillis:    c.i64(),
		DRExpireMillis: c.i64(),
	}
	if c.boolean() {
		v := decodeCacheVersion(c)
		e.DRVersion = &v
	}
	return e
}

// DhtUpdateRequest is the primary→backup message.
type DhtUpdateRequest struct {
	FutureVersion   uint64
	WriteVersion    CacheVersion
	WriteSync       WriteSyncMode
	TopologyVersion uint64
	TTLMillis       int64
	Entries         []DhtEntry
}

// Encode appends r's wire encoding to w.
func (d *DhtUpdateRequest) Encode(w *Writer) {
	w.U64(d.FutureVersion)
	d.WriteVersion.encode(w)
	w.U8(uint8(d.WriteSync))
	w.U64(d.TopologyVersion)
	w.I64(d.TTLMillis)
	w.U32(uint32(len(d.Entries)))
	for _, e := range d.Entries {
		e.encode(w)
	}
}

// DecodeDhtUpdateRequest decodes a DhtUpdateRequest from r.
func DecodeDhtUpdateRequest(r *Reader) (*DhtUpdateRequest, error) {
	c := chain(r)
	d := &DhtUpdateRequest{
		FutureVersion:   c.u64(),
		WriteVersion:    decodeCacheVersion(c),
		WriteSync:       WriteSyncMode(c.u8()),
		TopologyVersion: c.u64(),
		TTLMillis:       c.i64(),
	}
	if l := c.u32(); c.err == nil {
		d.Entries = make([]DhtEntry, l)
		for i := range d.Entries {
			d.Entries[i] = decodeDhtEntry(c)
		}
	}
	return d, c.err
}

// DhtUpdateResponse is the backup→primary message.
type DhtUpdateResponse struct {
	FutureVersion uint64
	FailedKeys    []string
	Errors        []string
}

// Encode appends d's wire encoding to w.
func (d *DhtUpdateResponse) Encode(w *Writer) {
	w.U64(d.FutureVersion)
	w.StringSlice(d.FailedKeys)
	w.StringSlice(d.Errors)
}

// DecodeDhtUpdateResponse decodes a DhtUpdateResponse from r.
func DecodeDhtUpdateResponse(r *Reader) (*DhtUpdateResponse, error) {
	c := chain(r)
	d := &DhtUpdateResponse{
		FutureVersion: c.u64(),
		FailedKeys:    c.strSlice(),
		Errors:        c.strSlice(),
	}
	return d, c.err
}

// DhtDeferredAckResponse is the coalesced-ack message.
type DhtDeferredAckResponse struct {
	FutureVersions []uint64
}

// Encode appends d's wire encoding to w.
func (d *DhtDeferredAckResponse) Encode(w *Writer) {
	w.U32(uint32(len(d.FutureVersions)))
	for _, v := range d.FutureVersions {
		w.U64(v)
	}
}

// DecodeDhtDeferredAckResponse decodes a DhtDeferredAckResponse from r.
func DecodeDhtDeferredAckResponse(r *Reader) (*DhtDeferredAckResponse, error) {
	c := chain(r)
	n := c.u32()
	d := &DhtDeferredAckResponse{}
	if c.err == nil {
		d.FutureVersions = make([]uint64, n)
		for i := range d.FutureVersions {
			d.FutureVersions[i] = c.u64()
		}
	}
	return d, c.err
}
