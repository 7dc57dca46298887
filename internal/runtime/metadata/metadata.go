package metadata

import "strconv"

// Keys attached to every message emitted for a time frame.
const (
	KeyRun          = "ctf_run"
	KeyFirstOrbit   = "ctf_first_tf_orbit"
	KeyTFCounter    = "ctf_tf_counter"
	KeyCreation     = "ctf_creation_ms"
	KeyEntry        = "ctf_entry"
	KeySubspec      = "ctf_subspec"
	KeyDetector     = "ctf_detector"
	KeyCodec        = "ctf_codec"
	KeyContainer    = "ctf_container"
	KeyKind         = "ctf_kind"
	KeyAccepted     = "ctf_accepted"
	KeyEndOfStream  = "ctf_end_of_stream"
	KeyPayloadBytes = "ctf_payload_bytes"
)

// Metadata represents the headers carried alongside an outgoing message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Uint returns the key parsed as an unsigned integer, or false.
func (m Metadata) Uint(key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
