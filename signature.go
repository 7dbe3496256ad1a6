package rededup

import (
	"github.com/vmihailenco/msgpack"
)

// Signature is the per-file index record: content digest, modification
// time observed at hashing, and the file's equivalent class within that
// digest. EcID is nil during the window between discovery and
// resolution; the nil state maps to the serializer's nil marker.
type Signature struct {
	_msgpack struct{} `msgpack:",asArray"`

	Digest  []byte
	MtimeNs int64
	EcID    *uint32
}

// Encode serializes the signature in its schema-stable array form.
func (sig *Signature) Encode() ([]byte, error) {
	return msgpack.Marshal(sig)
}

// DecodeSignature parses an encoded signature value.
func DecodeSignature(buf []byte) (sig *Signature, err error) {
	sig = &Signature{}
	err = msgpack.Unmarshal(buf, sig)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// encodeBucket serializes an equivalent class's ordered member list.
func encodeBucket(paths []string) ([]byte, error) {
	return msgpack.Marshal(paths)
}

// decodeBucket parses a bucket value back into its member list.
func decodeBucket(buf []byte) (paths []string, err error) {
	err = msgpack.Unmarshal(buf, &paths)
	if err != nil {
		return nil, err
	}
	return paths, nil
}
