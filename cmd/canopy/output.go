package main

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/canopy/internal/geometry"
)

// EnergyRecord is one cell of the absorbed energy table.
type EnergyRecord struct {
	CellID int32   `parquet:"cell_id"`
	X      float32 `parquet:"x"`
	Y      float32 `parquet:"y"`
	Z      float32 `parquet:"z"`
	Energy float64 `parquet:"energy"`
}

// writeEnergies writes one row per cell, located at the cell centroid.
func writeEnergies(w io.Writer, boxes []geometry.Box, energy []float64) error {
	if len(boxes) != len(energy) {
		return fmt.Errorf("energy table has %d rows for %d cells", len(energy), len(boxes))
	}
	pw := parquet.NewGenericWriter[EnergyRecord](w, parquet.Compression(&parquet.Zstd))
	defer func() {
		// Best effort close on early return
		_ = pw.Close()
	}()

	rows := make([]EnergyRecord, len(boxes))
	for i, b := range boxes {
		c := b.Centroid()
		rows[i] = EnergyRecord{CellID: int32(i), X: c[0], Y: c[1], Z: c[2], Energy: energy[i]}
	}
	if _, err := pw.Write(rows); err != nil {
		return err
	}
	return pw.Close()
}

func writeEnergyFile(path string, boxes []geometry.Box, energy []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeEnergies(f, boxes, energy); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readEnergies loads a table written by writeEnergies.
func readEnergies(f *os.File) ([]EnergyRecord, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, err
	}
	pr := parquet.NewGenericReader[EnergyRecord](pf)
	defer pr.Close()

	rows := make([]EnergyRecord, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return rows[:n], nil
}

// summary describes a sample.
type summary struct {
	Count  int
	Sum    float64
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

func summarize(v []float64) summary {
	if len(v) == 0 {
		return summary{}
	}
	s := summary{
		Count: len(v),
		Sum:   floats.Sum(v),
		Min:   floats.Min(v),
		Max:   floats.Max(v),
	}
	s.Mean, s.StdDev = stat.MeanStdDev(v, nil)
	return s
}

func (s summary) write(w io.Writer, label string) {
	fmt.Fprintf(w, "%s: count=%d sum=%.6g mean=%.6g stddev=%.6g min=%.6g max=%.6g\n",
		label, s.Count, s.Sum, s.Mean, s.StdDev, s.Min, s.Max)
}
