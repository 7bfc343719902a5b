package store

import "encoding/json"

// Bytes is a binary field that serializes as an explicit byte-array wrapper,
// {"type":"Buffer","data":[...]}, rather than base64, so documents stay
// readable and diffable.
type Bytes []byte

type bytesWrapper struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	w := bytesWrapper{Type: "Buffer", Data: make([]int, len(b))}
	for i, c := range b {
		w.Data[i] = int(c)
	}
	return json.Marshal(w)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var w bytesWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := make([]byte, len(w.Data))
	for i, c := range w.Data {
		out[i] = byte(c)
	}
	*b = out
	return nil
}
