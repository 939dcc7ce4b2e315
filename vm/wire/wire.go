// Package wire defines the on-disk formats of heapcoord: the CPU profile
// record stream and heap snapshots. Both are canonical CBOR.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedProfile is returned by ReadProfile for streams that do not
// follow the header, samples, trailer layout.
var ErrMalformedProfile = errors.New("wire: malformed profile stream")

// cborEncMode uses canonical mode for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Profile stream
// ---------------------------------------------------------------------------

// Profile stream identification.
const (
	ProfileMagic   = "xcpuprof"
	ProfileVersion = 1
)

// RecordKind tags a record of the profile stream.
type RecordKind uint8

const (
	RecordHeader RecordKind = iota + 1
	RecordSample
	RecordTrailer
)

// Record is one item of the profile stream. Exactly one payload field is
// set, matching Kind.
type Record struct {
	Kind    RecordKind      `cbor:"1,keyasint"`
	Header  *ProfileHeader  `cbor:"2,keyasint,omitempty"`
	Sample  *Sample         `cbor:"3,keyasint,omitempty"`
	Trailer *ProfileTrailer `cbor:"4,keyasint,omitempty"`
}

// ProfileHeader opens a profile stream.
type ProfileHeader struct {
	Magic     string `cbor:"1,keyasint"`
	Version   int    `cbor:"2,keyasint"`
	SessionID string `cbor:"3,keyasint"`
	Target    string `cbor:"4,keyasint"`
	Interval  int64  `cbor:"5,keyasint"` // sampling interval, ns
	Started   int64  `cbor:"6,keyasint"` // unix ns
}

// Sample is one captured call stack. Frames are outermost first.
type Sample struct {
	Seq     uint64   `cbor:"1,keyasint"`
	Offset  int64    `cbor:"2,keyasint"` // ns since Started
	Mutator string   `cbor:"3,keyasint,omitempty"`
	Frames  []string `cbor:"4,keyasint"`
}

// ProfileTrailer closes a profile stream.
type ProfileTrailer struct {
	Samples uint64 `cbor:"1,keyasint"`
	Dropped uint64 `cbor:"2,keyasint"` // samples lost to the buffer bound
	Stopped int64  `cbor:"3,keyasint"` // unix ns
}

// Profile is a fully decoded profile stream.
type Profile struct {
	Header  ProfileHeader
	Samples []Sample
	Trailer ProfileTrailer
}

// ProfileWriter streams a profile record by record.
type ProfileWriter struct {
	enc     *cbor.Encoder
	samples uint64
	done    bool
}

// NewProfileWriter writes the header record to w. Magic and Version are
// filled in.
func NewProfileWriter(w io.Writer, h ProfileHeader) (*ProfileWriter, error) {
	h.Magic = ProfileMagic
	h.Version = ProfileVersion
	pw := &ProfileWriter{enc: cborEncMode.NewEncoder(w)}
	if err := pw.enc.Encode(Record{Kind: RecordHeader, Header: &h}); err != nil {
		return nil, fmt.Errorf("wire: write profile header: %w", err)
	}
	return pw, nil
}

// WriteSample appends a sample record.
func (pw *ProfileWriter) WriteSample(s Sample) error {
	if pw.done {
		return fmt.Errorf("wire: write sample after trailer")
	}
	if err := pw.enc.Encode(Record{Kind: RecordSample, Sample: &s}); err != nil {
		return fmt.Errorf("wire: write sample %d: %w", s.Seq, err)
	}
	pw.samples++
	return nil
}

// Close writes the trailer. Samples is set to the number of samples
// written.
func (pw *ProfileWriter) Close(t ProfileTrailer) error {
	if pw.done {
		return nil
	}
	pw.done = true
	t.Samples = pw.samples
	if err := pw.enc.Encode(Record{Kind: RecordTrailer, Trailer: &t}); err != nil {
		return fmt.Errorf("wire: write profile trailer: %w", err)
	}
	return nil
}

// WriteProfile writes p as a complete stream.
func WriteProfile(w io.Writer, p *Profile) error {
	pw, err := NewProfileWriter(w, p.Header)
	if err != nil {
		return err
	}
	for _, s := range p.Samples {
		if err := pw.WriteSample(s); err != nil {
			return err
		}
	}
	return pw.Close(p.Trailer)
}

// ReadProfile decodes a complete stream and checks its framing.
func ReadProfile(r io.Reader) (*Profile, error) {
	dec := cbor.NewDecoder(r)
	var p Profile
	state := RecordHeader
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedProfile, err)
		}

		switch {
		case rec.Kind == RecordHeader && state == RecordHeader && rec.Header != nil:
			if rec.Header.Magic != ProfileMagic {
				return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedProfile, rec.Header.Magic)
			}
			if rec.Header.Version != ProfileVersion {
				return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedProfile, rec.Header.Version)
			}
			p.Header = *rec.Header
			state = RecordSample
		case rec.Kind == RecordSample && state == RecordSample && rec.Sample != nil:
			p.Samples = append(p.Samples, *rec.Sample)
		case rec.Kind == RecordTrailer && state == RecordSample && rec.Trailer != nil:
			p.Trailer = *rec.Trailer
			state = RecordTrailer
		default:
			return nil, fmt.Errorf("%w: unexpected record kind %d", ErrMalformedProfile, rec.Kind)
		}
	}

	if state != RecordTrailer {
		return nil, fmt.Errorf("%w: missing trailer", ErrMalformedProfile)
	}
	if p.Trailer.Samples != uint64(len(p.Samples)) {
		return nil, fmt.Errorf("%w: trailer counts %d samples, stream has %d",
			ErrMalformedProfile, p.Trailer.Samples, len(p.Samples))
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Heap snapshots
// ---------------------------------------------------------------------------

// SnapshotObject is one object of a heap snapshot.
type SnapshotObject struct {
	ID        uint64   `cbor:"1,keyasint"`
	Kind      uint8    `cbor:"2,keyasint"`
	SizeClass uint8    `cbor:"3,keyasint"`
	TypeID    uint32   `cbor:"4,keyasint,omitempty"`
	Addr      uint64   `cbor:"5,keyasint"`
	Size      uint64   `cbor:"6,keyasint"`
	Slots     []uint64 `cbor:"7,keyasint,omitempty"`
	Foreign   []uint64 `cbor:"8,keyasint,omitempty"`
	Data      []byte   `cbor:"9,keyasint,omitempty"`
}

// Snapshot is a consistent image of one heap.
type Snapshot struct {
	Heap       string           `cbor:"1,keyasint"`
	Taken      int64            `cbor:"2,keyasint"` // unix ns
	RegionSize uint64           `cbor:"3,keyasint"`
	Roots      []uint64         `cbor:"4,keyasint,omitempty"`
	Objects    []SnapshotObject `cbor:"5,keyasint"`
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// EncodeSnapshot writes s to w.
func EncodeSnapshot(w io.Writer, s *Snapshot) error {
	if err := cborEncMode.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("wire: encode snapshot: %w", err)
	}
	return nil
}

// DecodeSnapshot reads one snapshot from r.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("wire: decode snapshot: %w", err)
	}
	return &s, nil
}
