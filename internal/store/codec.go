package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/inSight-mk1/DWAD/pkg/models"
)

// Series file format: a fixed-schema columnar block, little-endian.
//
//	magic "DWSS" | version u16 | symbol | basis | count u32 |
//	dates i64[count] | open f64[count] | high f64[count] | low f64[count] |
//	close f64[count] | volume i64[count] | turnover f64[count]
//
// Strings are u16-length-prefixed. The version gates future schema changes so
// an old reader fails loudly instead of misreading.
var seriesMagic = [4]byte{'D', 'W', 'S', 'S'}

const seriesVersion uint16 = 1

// maxSeriesBars caps the decoded row count. A century of daily bars is under
// 30k rows; anything near this limit is a corrupt header, and trusting it
// would allocate gigabytes before the column reads hit EOF.
const maxSeriesBars = 1 << 20

// encodeSeries serializes a series into the columnar file format.
func encodeSeries(s *models.SymbolSeries) ([]byte, error) {
	buf := &bytes.Buffer{}

	buf.Write(seriesMagic[:])
	if err := binary.Write(buf, binary.LittleEndian, seriesVersion); err != nil {
		return nil, err
	}
	if err := writeString(buf, s.Symbol); err != nil {
		return nil, err
	}
	if err := writeString(buf, s.AdjustBasis); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.Bars))); err != nil {
		return nil, err
	}

	n := len(s.Bars)
	dates := make([]int64, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]int64, n)
	turnovers := make([]float64, n)
	for i, bar := range s.Bars {
		dates[i] = bar.Date.Unix()
		opens[i] = bar.Open
		highs[i] = bar.High
		lows[i] = bar.Low
		closes[i] = bar.Close
		volumes[i] = bar.Volume
		turnovers[i] = bar.Turnover
	}

	for _, col := range []interface{}{dates, opens, highs, lows, closes, volumes, turnovers} {
		if err := binary.Write(buf, binary.LittleEndian, col); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// decodeSeries parses a columnar series file and validates its invariants.
func decodeSeries(r io.Reader) (*models.SymbolSeries, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != seriesMagic {
		return nil, fmt.Errorf("bad series magic %q", magic[:])
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != seriesVersion {
		return nil, fmt.Errorf("unsupported series version %d", version)
	}

	symbol, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("read symbol: %w", err)
	}
	basis, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("read adjust basis: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read bar count: %w", err)
	}
	if count > maxSeriesBars {
		return nil, fmt.Errorf("implausible bar count %d in series %s", count, symbol)
	}

	n := int(count)
	dates := make([]int64, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]int64, n)
	turnovers := make([]float64, n)
	for _, col := range []interface{}{dates, opens, highs, lows, closes, volumes, turnovers} {
		if err := binary.Read(r, binary.LittleEndian, col); err != nil {
			return nil, fmt.Errorf("read column: %w", err)
		}
	}

	s := &models.SymbolSeries{
		Symbol:      symbol,
		AdjustBasis: basis,
		Bars:        make([]models.PriceBar, n),
	}
	for i := 0; i < n; i++ {
		if i > 0 && dates[i] <= dates[i-1] {
			return nil, fmt.Errorf("series %s not strictly ascending at row %d", symbol, i)
		}
		s.Bars[i] = models.PriceBar{
			Symbol:   symbol,
			Date:     time.Unix(dates[i], 0).UTC(),
			Open:     opens[i],
			High:     highs[i],
			Low:      lows[i],
			Close:    closes[i],
			Volume:   volumes[i],
			Turnover: turnovers[i],
		}
	}

	return s, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
