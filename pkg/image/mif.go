package image

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const magicLine = "mrtrix image"

// geometry keys are consumed into Header fields on load; everything
// else passes through as metadata.
var geometryKeys = map[string]bool{
	"dim":       true,
	"vox":       true,
	"layout":    true,
	"datatype":  true,
	"transform": true,
	"scaling":   true,
	"file":      true,
}

// Load reads a .mif or .mif.gz image. Voxel data is converted to
// float32 and rearranged into canonical layout regardless of the
// on-disk data type and stride order.
func Load(path string) (*Image, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	hdr, layout, scaling, offset, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	elems := hdr.Elements()
	esize := hdr.DataType.Bytes()
	end := offset + int64(elems)*int64(esize)
	if end > int64(len(raw)) {
		return nil, fmt.Errorf("%s: file truncated: need %d bytes of voxel data, have %d",
			path, end-offset, int64(len(raw))-offset)
	}

	img := New(hdr)
	decodeData(img, raw[offset:end], layout, scaling)
	return img, nil
}

// Save writes an image as .mif, or .mif.gz when the path ends in .gz,
// at the default compression level.
func Save(img *Image, path string) error {
	return SaveLevel(img, path, gzip.DefaultCompression)
}

// SaveLevel writes an image with an explicit gzip compression level
// (ignored for uncompressed output). Data is always written as
// Float32LE in canonical layout.
func SaveLevel(img *Image, path string, gzipLevel int) error {
	hdr := img.Header
	if err := hdr.Validate(); err != nil {
		return fmt.Errorf("%s: invalid header: %v", path, err)
	}
	if len(img.Data) != hdr.Elements() {
		return fmt.Errorf("%s: data has %d elements, header describes %d",
			path, len(img.Data), hdr.Elements())
	}

	var buf bytes.Buffer
	writeHeaderText(&buf, hdr)

	// The data offset depends on the length of the line announcing it.
	// Grow it until it fits, then pad with NULs, keeping the offset
	// 4-byte aligned like the reference writer.
	base := int64(buf.Len())
	offset := align4(base + 18)
	fileLine := fmt.Sprintf("file: . %d\nEND\n", offset)
	for base+int64(len(fileLine)) > offset {
		offset = align4(base + int64(len(fileLine)))
		fileLine = fmt.Sprintf("file: . %d\nEND\n", offset)
	}
	buf.WriteString(fileLine)
	for int64(buf.Len()) < offset {
		buf.WriteByte(0)
	}

	data := make([]byte, 4*len(img.Data))
	for i, v := range img.Data {
		putFloat32LE(data[4*i:], v)
	}
	buf.Write(data)

	return writeFile(path, buf.Bytes(), gzipLevel)
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func writeFile(path string, data []byte, gzipLevel int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz, err = gzip.NewWriterLevel(f, gzipLevel)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %v", path, err)
		}
		w = gz
	}

	if _, err := w.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%s: %v", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("%s: %v", path, err)
		}
	}
	return f.Close()
}

// parseHeader scans the text header and returns the geometry, data
// layout, intensity scaling and data offset.
func parseHeader(raw []byte) (hdr *Header, layout []int, scaling [2]float64, offset int64, err error) {
	scaling = [2]float64{0, 1}
	offset = -1

	pos := 0
	line, pos, ok := nextLine(raw, pos)
	if !ok || line != magicLine {
		return nil, nil, scaling, 0, fmt.Errorf("not an mrtrix image (missing %q signature)", magicLine)
	}

	hdr = &Header{DataType: Float32LE}
	var transformRows [][]float64
	layoutSpec := ""

	for {
		line, pos, ok = nextLine(raw, pos)
		if !ok {
			return nil, nil, scaling, 0, fmt.Errorf("unterminated header (no END line)")
		}
		if line == "END" {
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, nil, scaling, 0, fmt.Errorf("malformed header line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "dim":
			hdr.Dims, err = parseInts(value)
			if err != nil {
				return nil, nil, scaling, 0, fmt.Errorf("dim: %v", err)
			}
		case "vox":
			hdr.Vox, err = parseFloats(value)
			if err != nil {
				return nil, nil, scaling, 0, fmt.Errorf("vox: %v", err)
			}
		case "layout":
			layoutSpec = value
		case "datatype":
			hdr.DataType, err = ParseDataType(value)
			if err != nil {
				return nil, nil, scaling, 0, err
			}
		case "transform":
			row, err := parseFloats(value)
			if err != nil {
				return nil, nil, scaling, 0, fmt.Errorf("transform: %v", err)
			}
			transformRows = append(transformRows, row)
		case "scaling":
			vals, err := parseFloats(value)
			if err != nil || len(vals) != 2 {
				return nil, nil, scaling, 0, fmt.Errorf("scaling: expected two values, got %q", value)
			}
			scaling[0], scaling[1] = vals[0], vals[1]
		case "file":
			fields := strings.Fields(value)
			if len(fields) != 2 || fields[0] != "." {
				return nil, nil, scaling, 0, fmt.Errorf("only single-file images are supported (file: %q)", value)
			}
			offset, err = strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, nil, scaling, 0, fmt.Errorf("file offset: %v", err)
			}
		default:
			hdr.keyValues = append(hdr.keyValues, KeyValue{Key: key, Value: value})
		}
	}

	if err := hdr.Validate(); err != nil {
		return nil, nil, scaling, 0, err
	}
	if offset < 0 {
		return nil, nil, scaling, 0, fmt.Errorf("header has no file entry")
	}
	if offset < int64(pos) {
		return nil, nil, scaling, 0, fmt.Errorf("data offset %d lies inside the header", offset)
	}

	// Voxel sizes may be shorter than dims; pad with 1.
	for len(hdr.Vox) < len(hdr.Dims) {
		hdr.Vox = append(hdr.Vox, 1.0)
	}

	for r := 0; r < 3 && r < len(transformRows); r++ {
		row := transformRows[r]
		for c := 0; c < 4 && c < len(row); c++ {
			hdr.Transform[r][c] = row[c]
		}
	}
	if len(transformRows) == 0 {
		for i := 0; i < 3; i++ {
			hdr.Transform[i][i] = 1.0
		}
	}

	if layoutSpec == "" {
		layout = defaultLayout(hdr.NDim())
	} else {
		layout, err = parseLayout(layoutSpec, hdr.NDim())
		if err != nil {
			return nil, nil, scaling, 0, err
		}
	}
	return hdr, layout, scaling, offset, nil
}

// nextLine returns the next newline-terminated header line. Carriage
// returns are stripped.
func nextLine(raw []byte, pos int) (string, int, bool) {
	if pos >= len(raw) {
		return "", pos, false
	}
	nl := bytes.IndexByte(raw[pos:], '\n')
	if nl < 0 {
		return "", pos, false
	}
	line := string(raw[pos : pos+nl])
	return strings.TrimRight(line, "\r"), pos + nl + 1, true
}

// decodeData converts raw on-disk elements into the image's canonical
// float32 layout, undoing any stride permutation or axis reversal.
func decodeData(img *Image, raw []byte, layout []int, scaling [2]float64) {
	hdr := img.Header
	n := hdr.NDim()
	esize := hdr.DataType.Bytes()

	// Canonical strides per image axis.
	strides := make([]int, n)
	s := 1
	for i := 0; i < n; i++ {
		strides[i] = s
		s *= hdr.Dims[i]
	}

	// rankAxis[r] is the image axis that varies with rank r in the file
	// (rank 0 = fastest).
	rankAxis := make([]int, n)
	for axis, sr := range layout {
		rank := sr
		if rank < 0 {
			rank = -rank - 1
		} else {
			rank = rank - 1
		}
		rankAxis[rank] = axis
	}

	start := 0
	rankDim := make([]int, n)
	rankStride := make([]int, n)
	for r := 0; r < n; r++ {
		axis := rankAxis[r]
		rankDim[r] = hdr.Dims[axis]
		if layout[axis] > 0 {
			rankStride[r] = strides[axis]
		} else {
			rankStride[r] = -strides[axis]
			start += (hdr.Dims[axis] - 1) * strides[axis]
		}
	}

	// Odometer walk over the file order, tracking the canonical index
	// incrementally.
	counters := make([]int, n)
	idx := start
	offset, scale := scaling[0], scaling[1]
	if !hdr.DataType.isInteger() {
		offset, scale = 0, 1
	}
	for e := 0; e < len(img.Data); e++ {
		img.Data[idx] = float32(hdr.DataType.decodeElement(raw[e*esize:], offset, scale))

		for r := 0; r < n; r++ {
			counters[r]++
			idx += rankStride[r]
			if counters[r] < rankDim[r] {
				break
			}
			counters[r] = 0
			idx -= rankStride[r] * rankDim[r]
		}
	}
}

// parseLayout parses a layout specifier like "+0,+1,+2,+3" or "-1,+0,+2".
// Entry i describes image axis i: the absolute value is the axis's rank
// in file order (0 = fastest varying), the sign its direction. Internally
// ranks are kept 1-based so direction survives for rank 0.
func parseLayout(s string, ndim int) ([]int, error) {
	fields := strings.Split(s, ",")
	if len(fields) != ndim {
		return nil, fmt.Errorf("layout has %d entries for a %dD image", len(fields), ndim)
	}
	layout := make([]int, ndim)
	seen := make([]bool, ndim)
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, fmt.Errorf("layout entry %d is empty", i)
		}
		neg := false
		switch f[0] {
		case '+':
			f = f[1:]
		case '-':
			neg = true
			f = f[1:]
		}
		rank, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("layout entry %d: %v", i, err)
		}
		if rank < 0 || rank >= ndim {
			return nil, fmt.Errorf("layout rank %d out of range for %dD image", rank, ndim)
		}
		if seen[rank] {
			return nil, fmt.Errorf("layout rank %d appears twice", rank)
		}
		seen[rank] = true
		if neg {
			layout[i] = -(rank + 1)
		} else {
			layout[i] = rank + 1
		}
	}
	return layout, nil
}

func defaultLayout(ndim int) []int {
	layout := make([]int, ndim)
	for i := range layout {
		layout[i] = i + 1
	}
	return layout
}

func writeHeaderText(buf *bytes.Buffer, hdr *Header) {
	buf.WriteString(magicLine)
	buf.WriteByte('\n')

	dims := make([]string, len(hdr.Dims))
	for i, d := range hdr.Dims {
		dims[i] = strconv.Itoa(d)
	}
	fmt.Fprintf(buf, "dim: %s\n", strings.Join(dims, ","))

	voxs := make([]string, len(hdr.Dims))
	for i := range hdr.Dims {
		v := 1.0
		if i < len(hdr.Vox) {
			v = hdr.Vox[i]
		}
		voxs[i] = formatFloat(v)
	}
	fmt.Fprintf(buf, "vox: %s\n", strings.Join(voxs, ","))

	layout := make([]string, len(hdr.Dims))
	for i := range hdr.Dims {
		layout[i] = fmt.Sprintf("+%d", i)
	}
	fmt.Fprintf(buf, "layout: %s\n", strings.Join(layout, ","))

	fmt.Fprintf(buf, "datatype: %s\n", Float32LE)

	for r := 0; r < 3; r++ {
		row := make([]string, 4)
		for c := 0; c < 4; c++ {
			row[c] = formatFloat(hdr.Transform[r][c])
		}
		fmt.Fprintf(buf, "transform: %s\n", strings.Join(row, ","))
	}

	for _, kv := range hdr.keyValues {
		if geometryKeys[kv.Key] {
			continue
		}
		fmt.Fprintf(buf, "%s: %s\n", kv.Key, kv.Value)
	}
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func putFloat32LE(buf []byte, v float32) {
	bits := math.Float32bits(v)
	buf[0] = byte(bits)
	buf[1] = byte(bits >> 8)
	buf[2] = byte(bits >> 16)
	buf[3] = byte(bits >> 24)
}

func align4(n int64) int64 {
	return (n + 3) &^ 3
}
