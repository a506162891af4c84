package catalog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/octstream/octree"
)

// PCDType is the data format of a pcd file.
type PCDType int

const (
	// PCDAscii stores one whitespace separated point per line.
	PCDAscii PCDType = iota
	// PCDBinary stores little endian float32 fields back to back.
	PCDBinary
)

// PCDTypeFromString parses "ascii" or "binary".
func PCDTypeFromString(s string) (PCDType, error) {
	switch s {
	case "ascii":
		return PCDAscii, nil
	case "binary":
		return PCDBinary, nil
	default:
		return 0, errors.Errorf("unsupported pcd format %q, expected ascii or binary", s)
	}
}

func (t PCDType) String() string {
	if t == PCDBinary {
		return "binary"
	}
	return "ascii"
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

// pcdFields are the field names of each render option, in star order.
var pcdFields = []string{"x", "y", "z", "mag", "cidx", "vx", "vy", "vz"}

type pcdHeader struct {
	fields int
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

// WritePCD writes stars as a PCD v0.7 file holding the attributes the render option shows.
func WritePCD(w io.Writer, stars []float32, option octree.RenderOption, format PCDType) error {
	if len(stars)%octree.StarSize != 0 {
		return errors.Wrapf(ErrMalformedStars, "%d values", len(stars))
	}
	fields := option.ValuesPerStar()
	count := len(stars) / octree.StarSize
	repeat := func(s string) string {
		return strings.TrimSpace(strings.Repeat(s+" ", fields))
	}

	bw := bufio.NewWriter(w)
	_, err := fmt.Fprintf(bw, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		strings.Join(pcdFields[:fields], " "), repeat("4"), repeat("F"), repeat("1"), count, count, format)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		star := stars[i*octree.StarSize : i*octree.StarSize+fields]
		switch format {
		case PCDBinary:
			err = binary.Write(bw, binary.LittleEndian, star)
		case PCDAscii:
			tokens := make([]string, fields)
			for j, v := range star {
				tokens[j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
			}
			_, err = fmt.Fprintln(bw, strings.Join(tokens, " "))
		default:
			return errors.Errorf("unsupported pcd format %d", format)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadPCD reads a file written by WritePCD, or any PCD with the same float fields, into stars.
// Attributes the file lacks are zero.
func ReadPCD(r io.Reader) ([]float32, error) {
	in := bufio.NewReader(r)
	var header pcdHeader
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	if header.points > math.MaxInt32 {
		return nil, errors.Errorf("pcd claims %d points", header.points)
	}

	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	default:
		return nil, errors.Errorf("unsupported pcd data type %v", header.data)
	}
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	key, value, _ := strings.Cut(line, " ")
	if key != name {
		return errors.Errorf("expected pcd header field %s, got %q", name, line)
	}
	tokens := strings.Fields(value)
	expectEach := func(want string) error {
		if len(tokens) != header.fields {
			return errors.Errorf("%s has %d entries for %d fields", name, len(tokens), header.fields)
		}
		for _, token := range tokens {
			if token != want {
				return errors.Errorf("unsupported pcd %s %q, only %s is supported", name, token, want)
			}
		}
		return nil
	}

	var err error
	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch len(tokens) {
		case octree.RenderStatic.ValuesPerStar(), octree.RenderColor.ValuesPerStar(), octree.RenderMotion.ValuesPerStar():
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
		for i, token := range tokens {
			if token != pcdFields[i] {
				return errors.Errorf("unsupported pcd fields %s", value)
			}
		}
		header.fields = len(tokens)
	case "SIZE":
		return expectEach("4")
	case "TYPE":
		return expectEach("F")
	case "COUNT":
		return expectEach("1")
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid WIDTH field")
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid HEIGHT field")
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("VIEWPOINT must have 7 values, got %d", len(tokens))
		}
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid POINTS field")
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) ([]float32, error) {
	stars := make([]float32, int(header.points)*octree.StarSize)
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "failed to read point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != header.fields {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		for j, token := range tokens {
			v, err := strconv.ParseFloat(token, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, token)
			}
			stars[i*octree.StarSize+j] = float32(v)
		}
	}
	return stars, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) ([]float32, error) {
	stars := make([]float32, int(header.points)*octree.StarSize)
	buf := make([]byte, 4*header.fields)
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "failed to read point %d", i)
		}
		for j := 0; j < header.fields; j++ {
			stars[i*octree.StarSize+j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
	}
	return stars, nil
}
