package dist

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so the same image always encodes to the
// same bytes.
var cborEncMode cbor.EncMode

var compatible *semver.Constraints

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	c, err := semver.NewConstraint(CompatibleRange)
	if err != nil {
		panic(fmt.Sprintf("dist: bad compatibility range %q: %v", CompatibleRange, err))
	}
	compatible = c
}

// CheckCompatible returns ErrIncompatibleImage unless version satisfies
// CompatibleRange.
func CheckCompatible(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: format version %q: %v", ErrIncompatibleImage, version, err)
	}
	if !compatible.Check(v) {
		return fmt.Errorf("%w: format version %s does not satisfy %s", ErrIncompatibleImage, v, CompatibleRange)
	}
	return nil
}

// Marshal serializes an Image to CBOR bytes.
func Marshal(img *Image) ([]byte, error) {
	data, err := cborEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("dist: marshal image: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes an Image from CBOR bytes and checks its format
// version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("dist: unmarshal image: %w", err)
	}
	if err := CheckCompatible(img.FormatVersion); err != nil {
		return nil, err
	}
	return &img, nil
}

// WriteFile marshals img and writes it to path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dist: write image: %w", err)
	}
	return nil
}

// ReadFile reads and unmarshals the image at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dist: read image: %w", err)
	}
	return Unmarshal(data)
}
