// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 dataset as "pixel" and "label" tensors.
//
// Information about the dataset in https://www.cs.toronto.edu/~kriz/cifar.html
//
// Images are kept in the original "channels first" layout: each example is a tensor shaped [Depth, Height, Width],
// with values normalized to [0, 1].
package cifar

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/vggcifar/internal/downloader"
)

const (
	URL     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	TarName = "cifar-10-binary.tar.gz"
	SubDir  = "cifar-10-batches-bin"

	// TarHash is the SHA256 of the archive at URL.
	TarHash = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumTrainExamples is the number of examples in the 5 training files.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples in the test file.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// Labels of the 10 classes, indexed by the label value.
var Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// NumClasses in Cifar-10.
var NumClasses = len(Labels)

// TrainFiles and TestFiles under SubDir.
var (
	TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	TestFiles  = []string{"test_batch.bin"}
)

// Download the Cifar-10 binary version to baseDir, if not there yet.
func Download(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(URL, baseDir, TarName, SubDir, TarHash)
}

// Partition refers to the train or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	switch p {
	case Train:
		return "Train"
	case Test:
		return "Test"
	default:
		return fmt.Sprintf("Partition(%d)", int(p))
	}
}

// Files returns the data files of the partition.
func (p Partition) Files() []string {
	if p == Test {
		return TestFiles
	}
	return TrainFiles
}

// ImagesAndLabels holds one partition of the dataset.
//
// Pixels are shaped [numExamples, Depth, Height, Width] and Labels are Int64 shaped [numExamples, 1].
type ImagesAndLabels struct {
	Pixels, Labels *tensors.Tensor
}

// NumExamples in the partition.
func (il ImagesAndLabels) NumExamples() int {
	return il.Labels.Shape().Dimensions[0]
}

// readRecords reads all the label+image records of a Cifar-10 binary file.
func readRecords(dataFile string) (pixels []byte, labels []int64, err error) {
	f, err := os.Open(dataFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening data file %q", dataFile)
	}
	defer func() { _ = f.Close() }()

	var record [imageSizeBytes + 1]byte
	for exampleIdx := 0; ; exampleIdx++ {
		_, err = io.ReadFull(f, record[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return nil, nil, errors.Errorf("truncated example %d in %q: records are %d bytes long",
				exampleIdx, dataFile, len(record))
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading example %d from %q", exampleIdx, dataFile)
		}
		label := int64(record[0])
		if label >= int64(NumClasses) {
			return nil, nil, errors.Errorf("invalid label %d for example %d in %q", label, exampleIdx, dataFile)
		}
		labels = append(labels, label)
		pixels = append(pixels, record[1:]...)
	}
	return pixels, labels, nil
}

// convertBytes to floats in [0, 1]. The Cifar-10 byte order is already [Depth, Height, Width].
func convertBytes[T dtypes.GoFloat](data []byte) []T {
	values := make([]T, len(data))
	for ii, b := range data {
		values[ii] = T(b) / T(255)
	}
	return values
}

// Load the given partition from baseDir into a "pixel" tensor of the given dtype and a "label" tensor.
// The files are read until EOF, so the number of examples is whatever is found in the files.
//
// Only Float32 and Float64 dtypes are supported.
func Load(baseDir string, partition Partition, dtype dtypes.DType) (il ImagesAndLabels, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return
	}
	var allPixels []byte
	var allLabels []int64
	for _, fileName := range partition.Files() {
		pixels, labels, err := readRecords(path.Join(baseDir, SubDir, fileName))
		if err != nil {
			return il, errors.WithMessagef(err, "loading Cifar-10 %s partition", partition)
		}
		allPixels = append(allPixels, pixels...)
		allLabels = append(allLabels, labels...)
	}
	numExamples := len(allLabels)
	if numExamples == 0 {
		return il, errors.Errorf("no examples found for Cifar-10 %s partition in %q", partition, baseDir)
	}
	switch dtype {
	case dtypes.Float32:
		il.Pixels = tensors.FromFlatDataAndDimensions(convertBytes[float32](allPixels), numExamples, Depth, Height, Width)
	case dtypes.Float64:
		il.Pixels = tensors.FromFlatDataAndDimensions(convertBytes[float64](allPixels), numExamples, Depth, Height, Width)
	default:
		return il, errors.Errorf("DType %s not supported, use Float32 or Float64", dtype)
	}
	il.Labels = tensors.FromFlatDataAndDimensions(allLabels, numExamples, 1)
	klog.V(1).Infof("loaded %d examples of the Cifar-10 %s partition from %q", numExamples, partition, baseDir)
	return il, nil
}

// ConvertToGoImage converts the example exampleIdx of pixels (shaped [N, Depth, Height, Width]) to a Go image.
func ConvertToGoImage(pixels *tensors.Tensor, exampleIdx int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	pixels.MustConstFlatData(func(flatAny any) {
		tensorData := reflect.ValueOf(flatAny)
		floatT := reflect.TypeOf(float64(0))
		base := exampleIdx * imageSizeBytes
		for d := 0; d < Depth; d++ {
			for h := 0; h < Height; h++ {
				for w := 0; w < Width; w++ {
					v := tensorData.Index(base + d*Height*Width + h*Width + w)
					f := v.Convert(floatT).Interface().(float64)
					img.Pix[h*img.Stride+w*4+d] = uint8(math.Round(f * 255))
				}
			}
		}
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				img.Pix[h*img.Stride+w*4+3] = 255 // Alpha channel.
			}
		}
	})
	return img
}

var (
	muCache sync.Mutex
	// Cache of loaded data per base directory and partition, all in Float32.
	cache = make(map[string]*[2]ImagesAndLabels)
)

// ResetCache drops all the loaded data.
func ResetCache() {
	muCache.Lock()
	defer muCache.Unlock()
	cache = make(map[string]*[2]ImagesAndLabels)
}

// cacheKey normalizes baseDir, so different spellings of the same directory share the cached data.
func cacheKey(baseDir string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return "", err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "resolving Cifar-10 directory %q", baseDir)
	}
	return dir, nil
}

func loadCached(baseDir string, partition Partition) (ImagesAndLabels, error) {
	key, err := cacheKey(baseDir)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	muCache.Lock()
	defer muCache.Unlock()
	entry, found := cache[key]
	if !found {
		entry = &[2]ImagesAndLabels{}
		cache[key] = entry
	}
	if entry[partition].Pixels == nil {
		il, err := Load(baseDir, partition, dtypes.Float32)
		if err != nil {
			return il, err
		}
		entry[partition] = il
	}
	return entry[partition], nil
}

// NewDataset returns an in-memory dataset yielding batches of inputs=[pixel] and labels=[label].
// The data is loaded once per baseDir and partition, and cached.
//
// It doesn't download the data, call Download first if needed.
func NewDataset(backend backends.Backend, name, baseDir string, partition Partition) (*datasets.InMemoryDataset, error) {
	il, err := loadCached(baseDir, partition)
	if err != nil {
		return nil, err
	}
	return datasets.InMemoryFromData(backend, name, []any{il.Pixels}, []any{il.Labels})
}

// NewDatasets creates the datasets used for training and testing:
//
//   - trainDS: shuffled, batches of batchSize, incomplete last batch dropped, one epoch per Reset.
//   - testDS: in order, batches of batchSize, incomplete last batch kept.
func NewDatasets(backend backends.Backend, baseDir string, batchSize int) (trainDS, testDS *datasets.InMemoryDataset, err error) {
	if batchSize <= 0 {
		return nil, nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	trainDS, err = NewDataset(backend, "Training", baseDir, Train)
	if err != nil {
		return nil, nil, err
	}
	testDS, err = NewDataset(backend, "Test", baseDir, Test)
	if err != nil {
		return nil, nil, err
	}
	trainDS.BatchSize(batchSize, true).Shuffle()
	testDS.BatchSize(batchSize, false)
	return trainDS, testDS, nil
}
