package wire

import "regexp"

// kind restricts the Go type a field's decoded value must have.
type kind int

const (
	kindString kind = iota
	kindInt
)

// restriction mirrors the original protocol's per-field restriction
// dict (type, fixed_value, min_len/max_len/len, regex, min/max). Per
// spec.md §9, helo.port and pex.port use numeric min/max bounds, which
// this validator enforces (the source it was distilled from only wired
// up length/regex checks for numeric fields and so never enforced
// them — spec.md's intent, taken as normative here, is that integer
// fields with min/max restrictions get real numeric comparisons).
type restriction struct {
	kind       kind
	fixedStr   string
	hasFixed   bool
	minLen     int
	hasMinLen  bool
	maxLen     int
	hasMaxLen  bool
	exactLen   int
	hasLen     bool
	regex      *regexp.Regexp
	minNum     int64
	hasMinNum  bool
	maxNum     int64
	hasMaxNum  bool
	predicate  func(*Message, string) bool
}

// schema is the field-name -> restriction map for one message type.
type schema map[string]restriction

var peeridRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
var swarmidRegex = regexp.MustCompile(`^[0-9a-f]+$`)
var fileRegex = regexp.MustCompile(`^[.a-zA-Z0-9/_-]+$`)

func peeridRestriction() restriction {
	// Two conflicting restrictions appear in the protocol this was
	// distilled from (one with min/max on length via min_len/max_len,
	// one with bare min/max that the original decoder silently never
	// applied to strings). spec.md §9 resolves this: take the stricter
	// — length-bounded plus the identifier charset — as normative.
	return restriction{kind: kindString, minLen: 3, hasMinLen: true, maxLen: 30, hasMaxLen: true, regex: peeridRegex}
}

// MessageTypes is the authoritative schema table (spec.md §4.2).
var MessageTypes = map[string]schema{
	"helo": {
		"protocol": {kind: kindString, fixedStr: "p2p-git", hasFixed: true},
		"major":    {kind: kindInt, minNum: 0, hasMinNum: true, maxNum: 0, hasMaxNum: true},
		"minor":    {kind: kindInt, minNum: 1, hasMinNum: true, maxNum: 1, hasMaxNum: true},
		"peerid":   peeridRestriction(),
		"swarmid":  {kind: kindString, exactLen: 40, hasLen: true, regex: swarmidRegex},
		"port":     {kind: kindInt, minNum: 1, hasMinNum: true, maxNum: 0xfffe, hasMaxNum: true},
		"client":   {kind: kindString, minLen: 1, hasMinLen: true, maxLen: 30, hasMaxLen: true},
	},

	"ping": {},
	"pong": {},

	"pex_request": {},
	"pex": {
		"peerid": peeridRestriction(),
		"ip":     {kind: kindString, predicate: validDottedQuad},
		"port":   {kind: kindInt, minNum: 1, hasMinNum: true, maxNum: 0xffff, hasMaxNum: true},
	},

	"ref_change": {},

	"file_get": {
		"file": {kind: kindString, minLen: 1, hasMinLen: true, regex: fileRegex},
		"id":   {kind: kindInt, minNum: 0, hasMinNum: true},
	},

	"file_dat": {
		"id":    {kind: kindInt, minNum: 0, hasMinNum: true},
		"chunk": {kind: kindInt, minNum: 0, hasMinNum: true},
		"buf":   {kind: kindString},
	},

	"file_cancel": {
		"id": {kind: kindInt, minNum: 0, hasMinNum: true},
	},

	"file_ack": {
		"id":    {kind: kindInt, minNum: 0, hasMinNum: true},
		"chunk": {kind: kindInt, minNum: 0, hasMinNum: true},
	},
}

func validDottedQuad(_ *Message, v string) bool {
	parts := 0
	octet := 0
	digits := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == '.' {
			if digits == 0 || digits > 3 {
				return false
			}
			if octet > 255 {
				return false
			}
			parts++
			octet = 0
			digits = 0
			continue
		}
		c := v[i]
		if c < '0' || c > '9' {
			return false
		}
		octet = octet*10 + int(c-'0')
		digits++
	}
	return parts == 4
}

// Validate checks msg against MessageTypes, dropping any field not
// named in the schema (spec.md §4.2: "unknown extra fields are
// silently dropped before dispatch"). It mutates msg.Fields in place.
func Validate(msg *Message) error {
	s, ok := MessageTypes[msg.Name]
	if !ok {
		return &DecoderError{Reason: "unknown message type " + msg.Name}
	}

	for field, r := range s {
		v, present := msg.Fields[field]
		if !present {
			return &DecoderError{Field: field, Reason: "required field missing"}
		}
		if err := checkRestriction(msg, field, v, r); err != nil {
			return err
		}
	}

	for field := range msg.Fields {
		if _, ok := s[field]; !ok {
			delete(msg.Fields, field)
		}
	}

	return nil
}

func checkRestriction(msg *Message, field string, v interface{}, r restriction) error {
	switch r.kind {
	case kindString:
		sv, ok := asString(v)
		if !ok {
			return &DecoderError{Field: field, Reason: "expected string"}
		}
		if r.hasFixed && sv != r.fixedStr {
			return &DecoderError{Field: field, Reason: "fixed_value mismatch"}
		}
		if r.hasMinLen && len(sv) < r.minLen {
			return &DecoderError{Field: field, Reason: "below min_len"}
		}
		if r.hasMaxLen && len(sv) > r.maxLen {
			return &DecoderError{Field: field, Reason: "above max_len"}
		}
		if r.hasLen && len(sv) != r.exactLen {
			return &DecoderError{Field: field, Reason: "wrong len"}
		}
		if r.regex != nil && !r.regex.MatchString(sv) {
			return &DecoderError{Field: field, Reason: "regex mismatch"}
		}
		if r.predicate != nil && !r.predicate(msg, sv) {
			return &DecoderError{Field: field, Reason: "predicate failed"}
		}
	case kindInt:
		iv, ok := asInt(v)
		if !ok {
			return &DecoderError{Field: field, Reason: "expected integer"}
		}
		if r.hasMinNum && iv < r.minNum {
			return &DecoderError{Field: field, Reason: "below min"}
		}
		if r.hasMaxNum && iv > r.maxNum {
			return &DecoderError{Field: field, Reason: "above max"}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}
