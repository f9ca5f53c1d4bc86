// Package exif implements a minimal binary EXIF reader for JPEG byte
// streams. It extracts only the tags the viewer displays: the capture
// timestamps and the GPS position. It is deliberately not a general EXIF
// library; unrecognized or malformed input yields partial or empty metadata,
// never an error.
package exif

import (
	"net/http"
	"strings"
	"time"
)

// TIFF tag IDs used by the viewer.
const (
	tagDateTime          = 0x0132
	tagExifSubIFD        = 0x8769
	tagGPSSubIFD         = 0x8825
	tagDateTimeOriginal  = 0x9003
	tagDateTimeDigitized = 0x9004

	gpsTagLatRef = 0x0001
	gpsTagLat    = 0x0002
	gpsTagLonRef = 0x0003
	gpsTagLon    = 0x0004
)

// TIFF field types.
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

// GPS is a decoded GPS position in decimal degrees.
type GPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Metadata is the subset of EXIF data the viewer cares about. Timestamp
// fields hold the raw EXIF string ("YYYY:MM:DD HH:MM:SS"); empty means the
// tag was absent.
type Metadata struct {
	DateTimeOriginal  string `json:"dateTimeOriginal,omitempty"`
	DateTimeDigitized string `json:"dateTimeDigitized,omitempty"`
	DateTime          string `json:"dateTime,omitempty"`
	GPS               *GPS   `json:"gps,omitempty"`
}

// BestTimestamp returns the preferred capture timestamp: DateTimeOriginal,
// then DateTimeDigitized, then DateTime. Empty if none were present.
func (m Metadata) BestTimestamp() string {
	if m.DateTimeOriginal != "" {
		return m.DateTimeOriginal
	}
	if m.DateTimeDigitized != "" {
		return m.DateTimeDigitized
	}
	return m.DateTime
}

// Parse scans a JPEG byte stream for the APP1/EXIF segment and decodes the
// embedded TIFF structure. Any structural problem ends the scan and returns
// whatever was decoded up to that point; Parse never panics on arbitrary
// input.
func Parse(data []byte) Metadata {
	r := reader{data: data}
	if r.u16be(0) != 0xFFD8 {
		return Metadata{}
	}

	offset := 2
	for offset+4 <= len(data) {
		marker := r.u16be(offset)
		size := int(r.u16be(offset + 2))
		offset += 4
		if size < 2 {
			break
		}
		if marker == 0xFFE1 {
			// APP1: verify the literal "Exif\0\0" header before the TIFF body.
			if offset+6 > len(data) || string(data[offset:offset+4]) != "Exif" {
				break
			}
			return parseTIFF(data, offset+6)
		}
		offset += size - 2
	}
	return Metadata{}
}

// parseTIFF decodes IFD0 plus the Exif and GPS sub-IFDs rooted at base.
func parseTIFF(data []byte, base int) Metadata {
	if base+8 > len(data) {
		return Metadata{}
	}
	r := reader{data: data}

	var little bool
	switch r.u16be(base) {
	case 0x4949:
		little = true
	case 0x4D4D:
		little = false
	default:
		return Metadata{}
	}
	t := tiff{reader: r, base: base, little: little}

	firstIFD := int(t.u32(base + 4))
	ifd0 := t.readIFD(base + firstIFD)

	var meta Metadata
	if ptr, ok := ifd0.long(tagExifSubIFD); ok {
		sub := t.readIFD(base + int(ptr))
		meta.DateTimeOriginal = sub.ascii(tagDateTimeOriginal)
		meta.DateTimeDigitized = sub.ascii(tagDateTimeDigitized)
	}
	if meta.DateTimeOriginal == "" {
		meta.DateTime = ifd0.ascii(tagDateTime)
	}
	if ptr, ok := ifd0.long(tagGPSSubIFD); ok {
		sub := t.readIFD(base + int(ptr))
		lat, okLat := sub.rationals(gpsTagLat)
		lon, okLon := sub.rationals(gpsTagLon)
		if okLat && okLon {
			latDeg := DMSToDegrees(lat)
			lonDeg := DMSToDegrees(lon)
			if sub.ascii(gpsTagLatRef) == "S" {
				latDeg = -latDeg
			}
			if sub.ascii(gpsTagLonRef) == "W" {
				lonDeg = -lonDeg
			}
			meta.GPS = &GPS{Lat: latDeg, Lon: lonDeg}
		}
	}
	return meta
}

// DMSToDegrees converts a degree/minute/second triple to decimal degrees.
// Shorter slices are treated as having zero for the missing components.
func DMSToDegrees(dms []float64) float64 {
	var deg float64
	if len(dms) > 0 {
		deg = dms[0]
	}
	if len(dms) > 1 {
		deg += dms[1] / 60
	}
	if len(dms) > 2 {
		deg += dms[2] / 3600
	}
	return deg
}

// FormatTimestamp renders an EXIF "YYYY:MM:DD HH:MM:SS" string for display,
// falling back to the raw string when it does not parse.
func FormatTimestamp(exifDate string) string {
	if exifDate == "" {
		return ""
	}
	layouts := []string{"2006:01:02 15:04:05", "2006:01:02T15:04:05"}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, exifDate); err == nil {
			return ts.Format("Jan 2, 2006 15:04")
		}
	}
	return exifDate
}

// FormatHTTPDate renders an HTTP Last-Modified header value for display.
// Empty on absence or parse failure.
func FormatHTTPDate(header string) string {
	if header == "" {
		return ""
	}
	ts, err := http.ParseTime(header)
	if err != nil {
		return ""
	}
	return ts.Local().Format("Jan 2, 2006 15:04")
}

// reader provides bounds-checked big-endian reads over the raw bytes.
// Out-of-range reads return zero, which ends marker scans harmlessly.
type reader struct {
	data []byte
}

func (r reader) u16be(off int) uint16 {
	if off < 0 || off+2 > len(r.data) {
		return 0
	}
	return uint16(r.data[off])<<8 | uint16(r.data[off+1])
}

// tiff reads multi-byte values honoring the byte-order flag of the TIFF
// header.
type tiff struct {
	reader
	base   int
	little bool
}

func (t tiff) u16(off int) uint16 {
	if off < 0 || off+2 > len(t.data) {
		return 0
	}
	if t.little {
		return uint16(t.data[off]) | uint16(t.data[off+1])<<8
	}
	return uint16(t.data[off])<<8 | uint16(t.data[off+1])
}

func (t tiff) u32(off int) uint32 {
	if off < 0 || off+4 > len(t.data) {
		return 0
	}
	if t.little {
		return uint32(t.data[off]) | uint32(t.data[off+1])<<8 |
			uint32(t.data[off+2])<<16 | uint32(t.data[off+3])<<24
	}
	return uint32(t.data[off])<<24 | uint32(t.data[off+1])<<16 |
		uint32(t.data[off+2])<<8 | uint32(t.data[off+3])
}

func (t tiff) rational(off int) float64 {
	num := t.u32(off)
	den := t.u32(off + 4)
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// field is one decoded IFD entry. Exactly one of the value slots is set
// depending on the TIFF type.
type field struct {
	str   string
	nums  []float64
	longs []uint32
}

type ifd map[uint16]field

// typeSizes maps a TIFF field type to its per-element byte size.
var typeSizes = map[uint16]int{
	typeByte:     1,
	typeASCII:    1,
	typeShort:    2,
	typeLong:     4,
	typeRational: 8,
}

// readIFD decodes all entries of the IFD at off. Values whose total size
// fits in 4 bytes live inline in the entry's value slot; larger values are
// reached through an offset relative to the TIFF base.
func (t tiff) readIFD(off int) ifd {
	out := ifd{}
	count := int(t.u16(off))
	if count <= 0 || count > 512 {
		return out
	}
	p := off + 2
	for i := 0; i < count; i++ {
		tag := t.u16(p)
		typ := t.u16(p + 2)
		n := int(t.u32(p + 4))
		valueSlot := p + 8

		size, known := typeSizes[typ]
		if !known || n < 0 || n > 1<<16 {
			p += 12
			continue
		}
		valOff := valueSlot
		if size*n > 4 {
			valOff = t.base + int(t.u32(valueSlot))
		}

		var f field
		switch typ {
		case typeASCII:
			f.str = t.asciiAt(valOff, n)
		case typeShort:
			for k := 0; k < n; k++ {
				f.nums = append(f.nums, float64(t.u16(valOff+2*k)))
			}
		case typeLong:
			for k := 0; k < n; k++ {
				f.longs = append(f.longs, t.u32(valOff+4*k))
				f.nums = append(f.nums, float64(t.u32(valOff+4*k)))
			}
		case typeRational:
			for k := 0; k < n; k++ {
				f.nums = append(f.nums, t.rational(valOff+8*k))
			}
		default:
			p += 12
			continue
		}
		out[tag] = f
		p += 12
	}
	return out
}

func (t tiff) asciiAt(off, n int) string {
	if n <= 0 || off < 0 || off+n > len(t.data) {
		return ""
	}
	s := string(t.data[off : off+n])
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func (d ifd) ascii(tag uint16) string {
	return strings.TrimSpace(d[tag].str)
}

func (d ifd) long(tag uint16) (uint32, bool) {
	f, ok := d[tag]
	if !ok {
		return 0, false
	}
	if len(f.longs) > 0 {
		return f.longs[0], true
	}
	if len(f.nums) > 0 {
		return uint32(f.nums[0]), true
	}
	return 0, false
}

func (d ifd) rationals(tag uint16) ([]float64, bool) {
	f, ok := d[tag]
	if !ok || len(f.nums) == 0 {
		return nil, false
	}
	return f.nums, true
}
