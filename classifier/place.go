// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Place selects the device where the model is trained and served.
type Place int

const (
	CPUPlace Place = iota
	CUDAPlace
)

// ErrPlaceUnavailable is returned (wrapped) by NewBackend when the backend for the place can't be created,
// typically because there is no CUDA device or PJRT plugin.
var ErrPlaceUnavailable = errors.New("place not available")

// PlaceFor returns CUDAPlace if useCUDA, CPUPlace otherwise.
func PlaceFor(useCUDA bool) Place {
	if useCUDA {
		return CUDAPlace
	}
	return CPUPlace
}

// ParsePlace parses "cpu" or "cuda" (or "gpu"), case-insensitive.
func ParsePlace(s string) (Place, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPUPlace, nil
	case "cuda", "gpu":
		return CUDAPlace, nil
	}
	return CPUPlace, errors.Errorf("unknown device %q, valid values are \"cpu\" or \"cuda\"", s)
}

// String implements fmt.Stringer.
func (p Place) String() string {
	switch p {
	case CPUPlace:
		return "cpu"
	case CUDAPlace:
		return "cuda"
	default:
		return fmt.Sprintf("Place(%d)", int(p))
	}
}

// UseCUDA returns whether the place is a CUDA device.
func (p Place) UseCUDA() bool { return p == CUDAPlace }

// BackendConfig returns the GoMLX backend configuration for the place.
func (p Place) BackendConfig() string {
	if p == CUDAPlace {
		return "xla:cuda"
	}
	return "xla:cpu"
}

// NewBackend creates the backend for the place.
// Any failure is wrapped with ErrPlaceUnavailable, so callers can skip the place.
func NewBackend(place Place) (backend backends.Backend, err error) {
	config := place.BackendConfig()
	err = exceptions.TryCatch[error](func() {
		backend, err = backends.NewWithConfig(config)
	})
	if err == nil && backend == nil {
		err = errors.New("no backend returned")
	}
	if err != nil {
		return nil, errors.Wrapf(ErrPlaceUnavailable, "%s (backend %q): %v", place, config, err)
	}
	klog.V(1).Infof("created backend %q for place %s: %s", config, place, backend.Description())
	return backend, nil
}

// DescribeHost returns a one-line description of the host CPU, logged at start-up.
func DescribeHost() string {
	features := make([]string, 0, 3)
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.AVX512F, cpuid.FMA3} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	featuresDesc := "none"
	if len(features) > 0 {
		featuresDesc = strings.Join(features, ",")
	}
	return fmt.Sprintf("%s/%s, %s, %d physical cores (%d logical), vector extensions: %s",
		runtime.GOOS, runtime.GOARCH, cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, featuresDesc)
}
