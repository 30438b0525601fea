package mrs

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provisioning describes the static layout of a site: banks with their
// devices, aisles and the stock locations each aisle serves.
type Provisioning struct {
	Banks []BankSpec `yaml:"banks"`
}

// BankSpec is one bank in the provisioning file.
type BankSpec struct {
	Code    string       `yaml:"code"`
	Devices []DeviceSpec `yaml:"devices"`
	Aisles  []AisleSpec  `yaml:"aisles"`
}

// DeviceSpec provisions one device.
type DeviceSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Mode Mode   `yaml:"mode"`
}

// AisleSpec provisions one aisle and its locations.
type AisleSpec struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Locations []string `yaml:"locations"`
}

// LoadProvisioning reads and validates a provisioning file.
func LoadProvisioning(path string) (*Provisioning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provisioning file: %w", err)
	}

	var p Provisioning
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing provisioning file: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks ids are present and unique and modes are known.
func (p *Provisioning) Validate() error {
	seen := make(map[string]bool)
	locations := make(map[string]bool)
	validModes := make(map[Mode]bool)
	for _, m := range AllModes() {
		validModes[m] = true
	}

	for _, bank := range p.Banks {
		if bank.Code == "" {
			return fmt.Errorf("%w: bank code is required", ErrInvalidProvisioning)
		}
		for _, d := range bank.Devices {
			if d.ID == "" {
				return fmt.Errorf("%w: device in bank %s has no id", ErrInvalidProvisioning, bank.Code)
			}
			if seen["d:"+d.ID] {
				return fmt.Errorf("%w: duplicate device %s", ErrInvalidProvisioning, d.ID)
			}
			seen["d:"+d.ID] = true
			if d.Mode != "" && !validModes[d.Mode] {
				return fmt.Errorf("%w: device %s has unknown mode %q", ErrInvalidProvisioning, d.ID, d.Mode)
			}
		}
		for _, a := range bank.Aisles {
			if a.ID == "" {
				return fmt.Errorf("%w: aisle in bank %s has no id", ErrInvalidProvisioning, bank.Code)
			}
			if seen["a:"+a.ID] {
				return fmt.Errorf("%w: duplicate aisle %s", ErrInvalidProvisioning, a.ID)
			}
			seen["a:"+a.ID] = true
			for _, code := range a.Locations {
				if locations[code] {
					return fmt.Errorf("%w: location %s mapped twice", ErrInvalidProvisioning, code)
				}
				locations[code] = true
			}
		}
	}
	return nil
}

// Seed upserts the provisioned records. It is safe to run on every start:
// runtime state of existing devices and aisles is preserved.
func Seed(ctx context.Context, repo Repository, p *Provisioning) error {
	for _, bank := range p.Banks {
		for _, a := range bank.Aisles {
			if err := repo.UpsertAisle(ctx, &Aisle{ID: a.ID, Name: a.Name, BankCode: bank.Code}); err != nil {
				return err
			}
			for _, code := range a.Locations {
				if err := repo.UpsertLocation(ctx, &Location{Code: code, AisleID: a.ID}); err != nil {
					return err
				}
			}
		}
		for _, d := range bank.Devices {
			if err := repo.UpsertDevice(ctx, &Device{ID: d.ID, Name: d.Name, BankCode: bank.Code, Mode: d.Mode}); err != nil {
				return err
			}
		}
	}
	return nil
}
