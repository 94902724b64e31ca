// Command detect3d runs tiled 3D detection inference over an EM container
// and scores predictions against ground truth.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/nfnt/resize"
	"golang.org/x/image/tiff"

	"github.com/em-ai/go-detect3d/config"
	"github.com/em-ai/go-detect3d/evaluate"
	"github.com/em-ai/go-detect3d/inference"
	"github.com/em-ai/go-detect3d/postprocess"
	"github.com/em-ai/go-detect3d/profiler"
	"github.com/em-ai/go-detect3d/store"
	"github.com/em-ai/go-detect3d/volumes"
)

func main() {
	var (
		mode          string
		containerPath string
		configPath    string
		branch        string
		predName      string
		predPath      string
		previewPath   string
		hasMask       bool
		useCLAHE      bool
	)
	flag.StringVar(&mode, "mode", "", "Operation to run: predict or score")
	flag.StringVar(&containerPath, "container", "", "Path to the zarr container")
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration")
	flag.StringVar(&branch, "branch", string(store.ModeValidate), "Container branch: train, validate or predict")
	flag.StringVar(&predName, "name", time.Now().Format("02_01_2006"), "Prediction name under Predictions/")
	flag.StringVar(&predPath, "pred", "", "Score mode: explicit path of the prediction labels array")
	flag.StringVar(&previewPath, "preview", "", "Optional TIFF preview of the central prediction slice")
	flag.BoolVar(&hasMask, "mask", false, "Require a mask dataset in the branch")
	flag.BoolVar(&useCLAHE, "clahe", false, "Predict from the contrast-equalized raw_clahe dataset")
	flag.Parse()

	if containerPath == "" {
		fmt.Fprintln(os.Stderr, "usage: detect3d -mode predict|score -container path/to/data.zarr [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	dataMode, err := store.ParseMode(branch)
	if err != nil {
		log.Fatal(err)
	}

	switch mode {
	case "predict":
		err = runPredict(cfg, containerPath, dataMode, predName, previewPath, hasMask, useCLAHE)
	case "score":
		err = runScore(cfg, containerPath, dataMode, predName, predPath)
	default:
		log.Fatalf("unknown mode %q, want predict or score", mode)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// runPredict scans the branch's raw volume with the configured model and
// persists class probabilities and argmax labels under Predictions/<name>.
func runPredict(cfg *config.Config, containerPath string, mode store.Mode, name, previewPath string, hasMask, useCLAHE bool) error {
	data, err := store.OpenEMData(containerPath, mode, store.OpenEMDataOptions{
		UseCLAHE:       useCLAHE,
		HasMask:        hasMask,
		MinTargetShape: cfg.InputShape(),
	})
	if err != nil {
		return err
	}

	model, err := inference.NewONNXModel(inference.ONNXConfig{
		Name:           cfg.Model.Name,
		ModelPath:      cfg.Model.Path,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		OutputChannels: cfg.Model.OutputChannels,
		ShapeFn:        inference.UNetShapeFn(cfg.DownsampleFactors(), cfg.Model.ConvsPerBlock, cfg.Model.Kernel),
		IntraOpThreads: cfg.Model.IntraOpThreads,
		InterOpThreads: cfg.Model.InterOpThreads,
	})
	if err != nil {
		return err
	}
	defer model.Close()

	vol, err := data.RawVolume()
	if err != nil {
		return err
	}

	prof := profiler.New()
	engine := inference.NewEngine(model, inference.Options{
		Workers:         cfg.Predict.Workers,
		NormalizeFactor: data.Raw.NormFactor(),
		Profiler:        prof,
	})

	plan, err := engine.Plan(vol.Shape(), cfg.InputShape())
	if err != nil {
		return err
	}
	if cfg.Output.Verbose {
		log.Println(plan.Summary())
	}

	pred, err := engine.InferVolume(context.Background(), vol, cfg.InputShape())
	if err != nil {
		return err
	}
	if cfg.Output.Verbose {
		log.Printf("scan finished: %s", prof.Snapshot())
	}

	probs := postprocess.Softmax(pred)
	labels, err := postprocess.Argmax(probs)
	if err != nil {
		return err
	}

	attrs := predictionAttrs(data)
	base := string(mode) + "/Predictions/" + name

	for c := 0; c < probs.Channels; c++ {
		ch, err := probs.Channel(c)
		if err != nil {
			return err
		}
		arr, err := data.Container.CreateArray(base+"/class_"+strconv.Itoa(c), ch.Shape(), "f4", attrs)
		if err != nil {
			return err
		}
		if err := arr.WriteFloat32(ch.Data()); err != nil {
			return err
		}
	}

	labelArr, err := data.Container.CreateArray(base+"/labels", labels.Shape(), "i4", attrs)
	if err != nil {
		return err
	}
	if err := labelArr.WriteInt32(labels.Data()); err != nil {
		return err
	}
	log.Printf("prediction %v stored under %s", labels.Shape(), base)

	if previewPath != "" {
		if err := writePreview(labels, previewPath, cfg.Output.PreviewWidth); err != nil {
			return err
		}
		log.Printf("preview written to %s", previewPath)
	}
	return nil
}

// predictionAttrs copies the attributes predictions inherit: those of the
// target when present, otherwise the ground truth's, otherwise the raw
// data's.
func predictionAttrs(data *store.EMData) store.Attrs {
	src := data.Raw
	if data.GT != nil {
		src = data.GT
	}
	if data.Target != nil {
		src = data.Target
	}
	attrs := store.Attrs{}
	for name, v := range src.Attrs() {
		attrs[name] = v
	}
	return attrs
}

// runScore matches stored prediction labels against the branch's target and
// prints the score report.
func runScore(cfg *config.Config, containerPath string, mode store.Mode, name, predPath string) error {
	data, err := store.OpenEMData(containerPath, mode, store.OpenEMDataOptions{})
	if err != nil {
		return err
	}

	truthArr := data.Target
	if truthArr == nil {
		truthArr = data.GT
	}
	if truthArr == nil {
		return fmt.Errorf("%s branch has no target or ground truth to score against", mode)
	}
	truth, err := data.LabelVolume(truthArr)
	if err != nil {
		return err
	}

	if predPath == "" {
		predPath = string(mode) + "/Predictions/" + name + "/labels"
	}
	predArr, err := data.Container.Array(predPath)
	if err != nil {
		return err
	}
	pred, err := data.LabelVolume(predArr)
	if err != nil {
		return err
	}

	method, err := evaluate.ParseMethod(cfg.Score.Method)
	if err != nil {
		return err
	}
	report, err := evaluate.Score(pred, truth, method, cfg.Score.Threshold)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-20s %.4f\n", k, report[k])
	}
	return nil
}

// writePreview exports the central z slice of a label volume as a grayscale
// TIFF, resized to the configured width.
func writePreview(labels *volumes.LabelVolume, path string, width int) error {
	s := labels.Shape()
	var maxLabel int32
	for _, v := range labels.Data() {
		if v > maxLabel {
			maxLabel = v
		}
	}

	img := image.NewGray(image.Rect(0, 0, s[2], s[1]))
	z := s[0] / 2
	for y := 0; y < s[1]; y++ {
		for x := 0; x < s[2]; x++ {
			v := labels.At(z, y, x)
			var g uint8
			if maxLabel > 0 {
				g = uint8(int32(255) * v / maxLabel)
			}
			img.SetGray(x, y, color.Gray{Y: g})
		}
	}

	var out image.Image = img
	if width > 0 && width != s[2] {
		out = resize.Resize(uint(width), 0, img, resize.NearestNeighbor)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tiff.Encode(f, out, nil)
}
