package session

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// imageName is the file name of the PNG for one painted job.
func imageName(frame, layerID int) string {
	return fmt.Sprintf("frame-%04d-layer-%d.png", frame, layerID)
}

// writePNG encodes img under dir and returns the written path.
func writePNG(dir string, frame, layerID int, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create images dir: %w", err)
	}
	path := filepath.Join(dir, imageName(frame, layerID))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("encode image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close image: %w", err)
	}
	return path, nil
}
