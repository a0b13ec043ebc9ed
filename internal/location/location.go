// Package location implements the addressing scheme for creations: parsing
// and compiling the tagged-union "location" identifiers described in the
// runtime's data model (jig, partial-jig, record, berry, native, error).
package location

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Dialect tags which shape a Location takes.
type Dialect int

const (
	DialectJig Dialect = iota
	DialectPartialJig
	DialectRecord
	DialectBerry
	DialectNative
	DialectError
)

func (d Dialect) String() string {
	switch d {
	case DialectJig:
		return "jig"
	case DialectPartialJig:
		return "partial-jig"
	case DialectRecord:
		return "record"
	case DialectBerry:
		return "berry"
	case DialectNative:
		return "native"
	case DialectError:
		return "error"
	default:
		return "unknown"
	}
}

// Location is a parsed, canonical address for a creation.
//
// Only the fields relevant to Dialect are populated; compile ignores the
// rest. Berry additionally wraps an inner Location (the jig/partial-jig the
// berry was plucked at).
type Location struct {
	Dialect Dialect

	// jig / partial-jig
	TxID    string // lower-case 64-hex, empty for partial-jig
	Index   int    // output or delete index
	Deleted bool   // true => "_d<n>", false => "_o<n>"

	// record
	RecordID string

	// berry
	Inner   *Location
	URI     string
	Hash    string
	Version int

	// native
	Ident string

	// error
	Message string
}

// Sentinel error location: permanently invalid, never retried.
const UndeployedMessage = "Undeployed"

var (
	ErrMalformed = errors.New("malformed location")

	reJig        = regexp.MustCompile(`^([0-9a-fA-F]{64})_([od])(\d+)$`)
	rePartialJig = regexp.MustCompile(`^_([od])(\d+)$`)
	reRecord     = regexp.MustCompile(`^record://([^_]+)_([od])(\d+)$`)
	reNative     = regexp.MustCompile(`^native://(.+)$`)
	reError      = regexp.MustCompile(`^error://(.*)$`)
)

// Parse recognizes the location dialects, checking berry first (its
// ?berry= query wraps a jig or partial-jig location as Inner), then error,
// native, record, jig and partial-jig.
func Parse(s string) (*Location, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty location", ErrMalformed)
	}

	// berry: <jigloc>?berry=<uri>&hash=<64hex>&version=<n>
	if idx := strings.Index(s, "?berry="); idx >= 0 {
		return parseBerry(s, idx)
	}

	if m := reError.FindStringSubmatch(s); m != nil {
		return &Location{Dialect: DialectError, Message: m[1]}, nil
	}
	if m := reNative.FindStringSubmatch(s); m != nil {
		return &Location{Dialect: DialectNative, Ident: m[1]}, nil
	}
	if m := reRecord.FindStringSubmatch(s); m != nil {
		idx, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad record index: %v", ErrMalformed, err)
		}
		return &Location{
			Dialect:  DialectRecord,
			RecordID: m[1],
			Deleted:  m[2] == "d",
			Index:    idx,
		}, nil
	}
	if m := reJig.FindStringSubmatch(s); m != nil {
		idx, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad index: %v", ErrMalformed, err)
		}
		return &Location{
			Dialect: DialectJig,
			TxID:    strings.ToLower(m[1]),
			Deleted: m[2] == "d",
			Index:   idx,
		}, nil
	}
	if m := rePartialJig.FindStringSubmatch(s); m != nil {
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: bad index: %v", ErrMalformed, err)
		}
		return &Location{
			Dialect: DialectPartialJig,
			Deleted: m[1] == "d",
			Index:   idx,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
}

func parseBerry(s string, idx int) (*Location, error) {
	jigPart := s[:idx]
	query := s[idx+len("?berry="):]

	inner, err := Parse(jigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: berry base: %v", ErrMalformed, err)
	}
	if inner.Dialect != DialectJig && inner.Dialect != DialectPartialJig {
		return nil, fmt.Errorf("%w: berry base must be a jig location", ErrMalformed)
	}

	// query is "<uri-component-encoded uri>&hash=<hex>&version=<n>"
	ampIdx := strings.Index(query, "&hash=")
	if ampIdx < 0 {
		return nil, fmt.Errorf("%w: berry missing hash", ErrMalformed)
	}
	uriEnc := query[:ampIdx]
	rest := query[ampIdx+len("&hash="):]

	verIdx := strings.Index(rest, "&version=")
	if verIdx < 0 {
		return nil, fmt.Errorf("%w: berry missing version", ErrMalformed)
	}
	hash := rest[:verIdx]
	verStr := rest[verIdx+len("&version="):]

	uri, err := url.QueryUnescape(uriEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: bad berry uri encoding: %v", ErrMalformed, err)
	}
	if !isHex64(hash) {
		return nil, fmt.Errorf("%w: bad berry hash", ErrMalformed)
	}
	version, err := strconv.Atoi(verStr)
	if err != nil || version <= 0 {
		return nil, fmt.Errorf("%w: bad berry version", ErrMalformed)
	}

	return &Location{
		Dialect: DialectBerry,
		Inner:   inner,
		URI:     uri,
		Hash:    strings.ToLower(hash),
		Version: version,
	}, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// Compile serializes a Location to its canonical string form. compile(parse(x))
// == x for every canonical x.
func Compile(l *Location) (string, error) {
	switch l.Dialect {
	case DialectError:
		return "error://" + l.Message, nil
	case DialectNative:
		return "native://" + l.Ident, nil
	case DialectRecord:
		return fmt.Sprintf("record://%s_%s%d", l.RecordID, obj(l.Deleted), l.Index), nil
	case DialectJig:
		return fmt.Sprintf("%s_%s%d", strings.ToLower(l.TxID), obj(l.Deleted), l.Index), nil
	case DialectPartialJig:
		return fmt.Sprintf("_%s%d", obj(l.Deleted), l.Index), nil
	case DialectBerry:
		base, err := Compile(l.Inner)
		if err != nil {
			return "", err
		}
		params := url.Values{}
		params.Set("hash", strings.ToLower(l.Hash))
		params.Set("version", strconv.Itoa(l.Version))
		// Sorted query params per the canonical-serialization invariant; url.Values
		// already sorts keys on Encode, but we build the berry= segment by hand
		// since its value is itself URI-component-encoded, not key=value pairs.
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(base)
		b.WriteString("?berry=")
		b.WriteString(url.QueryEscape(l.URI))
		for _, k := range keys {
			b.WriteString("&")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(params.Get(k))
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: unknown dialect %v", ErrMalformed, l.Dialect)
	}
}

func obj(deleted bool) string {
	if deleted {
		return "d"
	}
	return "o"
}

// Undeployed returns the sentinel error location distinguishing an
// as-yet-undeployed creation from an arbitrary error message. Distinct from
// other error locations only by exact string equality of Message.
func Undeployed() *Location {
	return &Location{Dialect: DialectError, Message: UndeployedMessage}
}

// IsUndeployed reports whether l is exactly the Undeployed sentinel.
func IsUndeployed(l *Location) bool {
	return l != nil && l.Dialect == DialectError && l.Message == UndeployedMessage
}

// MustCompile is Compile but panics on error; for constructing locations the
// caller knows are well-formed (tests, literals).
func MustCompile(l *Location) string {
	s, err := Compile(l)
	if err != nil {
		panic(err)
	}
	return s
}

// String implements fmt.Stringer via Compile, returning an empty string
// on the (programmer-error) case of an uncompilable Location rather than
// panicking, so callers can use Location directly in formatted contexts.
func (l *Location) String() string {
	s, err := Compile(l)
	if err != nil {
		return ""
	}
	return s
}
