// Command dwirecon performs reconstruction of DWI data from an input
// DWI series.
//
// Usage:
//
//	dwirecon [options] <input> <operation> <output>
//
// where operation is one of combine_pairs, leave_one_out,
// combine_predicted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"dwirecon/pkg/config"
	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/pe"
	"dwirecon/pkg/recon"
)

func usage() {
	fmt.Fprintf(os.Stderr, `dwirecon: reconstruct DWI data from an input DWI series

Usage: dwirecon [options] <input> <operation> <output>

Arguments:
  input       the input DWI series (.mif or .mif.gz)
  operation   the way in which output DWIs will be reconstructed;
              one of: combine_pairs, leave_one_out, combine_predicted
  output      the output DWI series (.mif or .mif.gz)

The "combine_pairs" operation applies when the same diffusion gradient
table was acquired twice with reversed phase encoding and equal total
readout time: each pair of volumes with equivalent diffusion
sensitisation but opposite phase encoding is combined into a single
output volume, weighting each contribution by the squared Jacobian of
the susceptibility field along its phase encoding direction.

The "combine_predicted" operation applies when the gradient table is
split between phase encoding directions: each volume is reconstructed
as a blend of its empirical intensities and spherical harmonic
predictions derived from the volumes of the other phase encoding
groups, with the blend driven by the local field Jacobian.

Options:
`)
	flag.PrintDefaults()
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("dwirecon: ")

	fieldPath := flag.String("field", "", "B0 field offset image in Hz, on the input voxel grid")
	lmaxArg := flag.String("lmax", "", "comma-separated maximal spherical harmonic degrees, one per b-value shell")
	gradPath := flag.String("grad", "", "import the diffusion gradient table from a four-column ASCII file")
	exportGrad := flag.String("export_grad", "", "export the output gradient table to a four-column ASCII file")
	peTablePath := flag.String("import_pe_table", "", "import the phase encoding table from a per-volume file")
	exportPETable := flag.String("export_pe_table", "", "export the output phase encoding table to a per-volume file")
	peConfigPath := flag.String("import_pe_config", "", "import phase encoding in the FSL config+indices encoding (config file)")
	peIndicesPath := flag.String("import_pe_indices", "", "import phase encoding in the FSL config+indices encoding (indices file)")
	exportPEConfig := flag.String("export_pe_config", "", "export the output phase encoding config file (with -export_pe_indices)")
	exportPEIndices := flag.String("export_pe_indices", "", "export the output phase encoding indices file (with -export_pe_config)")
	exportWeights := flag.String("export_weights", "", "prefix for exporting per-PE-group Jacobian and weight images")
	clamped := flag.Bool("clamped_weights", false, "clamp the empirical blend weight to [0, 1] instead of the legacy max(1, J) form")
	nthreads := flag.Int("nthreads", 0, "number of worker threads (0: all cores)")
	confPath := flag.String("conf", "", "YAML configuration file")
	quiet := flag.Bool("quiet", false, "suppress progress output")
	force := flag.Bool("force", false, "overwrite the output file if it exists")

	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		usage()
		os.Exit(1)
	}
	inputPath, operationArg, outputPath := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	cfg := config.DefaultConfig()
	if *confPath != "" {
		var err error
		cfg, err = config.LoadConfig(*confPath)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *nthreads == 0 {
		*nthreads = cfg.Processing.NumThreads
	}
	if *clamped || cfg.Recombination.ClampedWeights {
		*clamped = true
	}

	op, err := recon.ParseOperation(operationArg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if _, err := os.Stat(outputPath); err == nil && !*force {
		log.Fatalf("output file %q already exists (use -force to overwrite)", outputPath)
	}

	in, err := image.Load(inputPath)
	if err != nil {
		log.Fatalf("reading input image: %v", err)
	}
	if !*quiet {
		log.Printf("loaded %q: %v, %s", inputPath, in.Header.Dims, humanize.IBytes(in.SizeBytes()))
	}

	grad, err := loadGradients(in, *gradPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	peScheme, err := loadPhaseEncoding(in, *peTablePath, *peConfigPath, *peIndicesPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var field *image.Image
	if *fieldPath != "" {
		field, err = image.Load(*fieldPath)
		if err != nil {
			log.Fatalf("reading field image: %v", err)
		}
	}

	lmax, err := parseLmax(*lmaxArg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out, err := recon.Run(ctx, op, in, grad, peScheme, recon.Options{
		Field:               field,
		Lmax:                lmax,
		ClampedWeights:      *clamped,
		DotThreshold:        cfg.Recombination.PairingDotThreshold,
		BZeroThreshold:      cfg.Processing.BZeroThreshold,
		ShellGap:            cfg.Processing.ShellGapTolerance,
		Threads:             *nthreads,
		ExportWeightsPrefix: *exportWeights,
		Quiet:               *quiet,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := image.SaveLevel(out, outputPath, cfg.Output.GzipLevel); err != nil {
		log.Fatalf("writing output image: %v", err)
	}
	if !*quiet {
		log.Printf("wrote %q: %v, %s", outputPath, out.Header.Dims, humanize.IBytes(out.SizeBytes()))
	}

	if err := runExports(out, *exportGrad, *exportPETable, *exportPEConfig, *exportPEIndices); err != nil {
		log.Fatalf("%v", err)
	}
}

// loadGradients resolves the gradient table: an explicit file takes
// precedence over the one embedded in the input header.
func loadGradients(in *image.Image, path string) (dwi.Scheme, error) {
	var grad dwi.Scheme
	var err error
	if path != "" {
		grad, err = dwi.LoadScheme(path)
	} else {
		var present bool
		grad, present, err = dwi.SchemeFromHeader(in.Header)
		if err == nil && !present {
			return nil, fmt.Errorf("no diffusion gradient table found in the input header; supply one with -grad")
		}
	}
	if err != nil {
		return nil, err
	}
	if err := grad.Validate(in.Header.NVolumes()); err != nil {
		return nil, err
	}
	return grad.Normalise(), nil
}

// loadPhaseEncoding resolves the per-volume PE scheme from one of the
// import encodings or the input header.
func loadPhaseEncoding(in *image.Image, tablePath, configPath, indicesPath string) (pe.Scheme, error) {
	switch {
	case tablePath != "":
		return pe.LoadTable(tablePath)
	case configPath != "" || indicesPath != "":
		if configPath == "" || indicesPath == "" {
			return nil, fmt.Errorf("-import_pe_config and -import_pe_indices must be used together")
		}
		return pe.LoadEddy(configPath, indicesPath)
	default:
		scheme, present, err := pe.SchemeFromHeader(in.Header)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, fmt.Errorf("no phase encoding information found in the input header;" +
				" supply it with -import_pe_table or -import_pe_config/-import_pe_indices")
		}
		return scheme, nil
	}
}

// parseLmax parses the comma-separated per-shell degree list.
func parseLmax(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	lmax := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parsing -lmax: %v", err)
		}
		lmax[i] = v
	}
	return lmax, nil
}

// runExports writes the requested sidecar files from the output header
// state, so exports reflect what the operation produced.
func runExports(out *image.Image, gradPath, peTablePath, peConfigPath, peIndicesPath string) error {
	if gradPath != "" {
		grad, present, err := dwi.SchemeFromHeader(out.Header)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("output carries no gradient table to export")
		}
		if err := dwi.SaveScheme(grad, gradPath); err != nil {
			return err
		}
	}

	wantPE := peTablePath != "" || peConfigPath != "" || peIndicesPath != ""
	if !wantPE {
		return nil
	}
	scheme, present, err := pe.SchemeFromHeader(out.Header)
	if err != nil {
		return err
	}
	if !present {
		log.Printf("warning: output carries no phase encoding scheme; skipping phase encoding export")
		return nil
	}
	if peTablePath != "" {
		if err := pe.SaveTable(scheme, peTablePath); err != nil {
			return err
		}
	}
	if peConfigPath != "" || peIndicesPath != "" {
		if peConfigPath == "" || peIndicesPath == "" {
			return fmt.Errorf("-export_pe_config and -export_pe_indices must be used together")
		}
		if err := pe.SaveEddy(scheme, peConfigPath, peIndicesPath); err != nil {
			return err
		}
	}
	return nil
}
