package wire

import (
	"github.com/anacrolix/torrent/bencode"
)

// Encode validates msg against its schema, then bencodes it as a
// dictionary with the message name carried in the "msg" key (the wire
// convention this protocol inherited from its reference
// implementation). A validation failure here is a local bug (spec.md
// §7 DecoderError, outbound case): the caller is expected to close the
// session.
func Encode(msg *Message) ([]byte, error) {
	cp := &Message{Name: msg.Name, Fields: make(map[string]interface{}, len(msg.Fields))}
	for k, v := range msg.Fields {
		cp.Fields[k] = v
	}
	if err := Validate(cp); err != nil {
		return nil, err
	}

	dict := make(map[string]interface{}, len(cp.Fields)+1)
	for k, v := range cp.Fields {
		dict[k] = v
	}
	dict["msg"] = msg.Name

	return bencode.Marshal(dict)
}

// Decode bdecodes a single message payload and validates it against
// MessageTypes, dropping unknown fields. Returns a ProtocolError (not a
// bare DecoderError) because inbound decode failures always terminate
// the session per spec.md §4.3.
func Decode(payload []byte) (*Message, error) {
	var dict map[string]interface{}
	if err := bencode.Unmarshal(payload, &dict); err != nil {
		return nil, NewProtocolError("bdecode failed: %v", err)
	}

	nameRaw, ok := dict["msg"]
	if !ok {
		return nil, NewProtocolError("required field 'msg' is missing")
	}
	name, ok := asString(nameRaw)
	if !ok {
		return nil, NewProtocolError("field 'msg' is not a string")
	}
	delete(dict, "msg")

	msg := &Message{Name: name, Fields: dict}
	if err := Validate(msg); err != nil {
		return nil, NewProtocolError("%v", err)
	}
	return msg, nil
}
