package datapipe

import "go.mongodb.org/mongo-driver/bson"

// Codec encodes and decodes a record of type T to and from the opaque
// byte form a Tape or an archive frame stores. The pipeline runtime
// never needs to know how a Codec works; it only calls it at the points
// spec.md reserves for the caller (reading archive entries, recording a
// sub-pipeline's pending record in yield_from).
type Codec[T any] interface {
	EncodeRecord(v T) ([]byte, error)
	DecodeRecord(data []byte) (T, error)
}

// BSONCodec is a ready-made Codec for any record type bson can marshal
// (structs, maps, and the usual scalar kinds). It is the default choice
// for ReadZippedRecords and for checkpointing yield_from's pending
// sub-record.
type BSONCodec[T any] struct{}

func (BSONCodec[T]) EncodeRecord(v T) ([]byte, error) {
	return bson.Marshal(wrapped{V: v})
}

func (BSONCodec[T]) DecodeRecord(data []byte) (T, error) {
	var w struct {
		V T `bson:"v"`
	}
	if err := bson.Unmarshal(data, &w); err != nil {
		var zero T
		return zero, err
	}
	return w.V, nil
}
