package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnpaired is wrapped by PairFiles when an image or mask has no partner.
var ErrUnpaired = errors.New("dataset: unpaired files")

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

// Sample references one image file and its mask.
type Sample struct {
	Key       string
	ImagePath string
	MaskPath  string
}

// UnpairedError lists files whose stem has no counterpart.
type UnpairedError struct {
	Images []string
	Masks  []string
}

func (e *UnpairedError) Error() string {
	return fmt.Sprintf("%v: %d images without mask %v, %d masks without image %v",
		ErrUnpaired, len(e.Images), e.Images, len(e.Masks), e.Masks)
}

func (e *UnpairedError) Unwrap() error { return ErrUnpaired }

// ListImages returns the image files directly under dir keyed by stem, with
// suffix trimmed from each stem.
func ListImages(dir, suffix string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !imageExts[ext] {
			continue
		}
		stem := strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), suffix)
		if prev, dup := files[stem]; dup {
			return nil, fmt.Errorf("dataset: %s and %s share stem %q", prev, name, stem)
		}
		files[stem] = filepath.Join(dir, name)
	}
	return files, nil
}

// PairFiles pairs images and masks by stem. maskSuffix is stripped from mask
// stems before matching ("_mask" pairs a.png with a_mask.png). Any file
// without a partner fails the whole call. Pairs are sorted by stem and cut
// to limit when limit > 0.
func PairFiles(imageDir, maskDir, maskSuffix string, limit int) ([]Sample, error) {
	images, err := ListImages(imageDir, "")
	if err != nil {
		return nil, err
	}
	masks, err := ListImages(maskDir, maskSuffix)
	if err != nil {
		return nil, err
	}

	unpaired := &UnpairedError{}
	samples := make([]Sample, 0, len(images))
	for stem, img := range images {
		mask, ok := masks[stem]
		if !ok {
			unpaired.Images = append(unpaired.Images, filepath.Base(img))
			continue
		}
		samples = append(samples, Sample{Key: stem, ImagePath: img, MaskPath: mask})
	}
	for stem, mask := range masks {
		if _, ok := images[stem]; !ok {
			unpaired.Masks = append(unpaired.Masks, filepath.Base(mask))
		}
	}
	if len(unpaired.Images) > 0 || len(unpaired.Masks) > 0 {
		sort.Strings(unpaired.Images)
		sort.Strings(unpaired.Masks)
		return nil, unpaired
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset: no images found in %s", imageDir)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Key < samples[j].Key })
	if limit > 0 && limit < len(samples) {
		samples = samples[:limit]
	}
	return samples, nil
}
