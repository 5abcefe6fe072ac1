package registry

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// SeedFile is the YAML document accepted by `sources import`.
//
//	sources:
//	  - name: Algebra drills
//	    type: html
//	    base_url: https://example.org/algebra/
//	    link_pattern: /worksheet/
//	    file_types: [pdf]
//	    max_depth: 2
//	    delay_ms: 1500
type SeedFile struct {
	Sources []SourceInput `yaml:"sources"`
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return SeedFile{}, nil
		}
		return SeedFile{}, fmt.Errorf("%w: decode seed file: %v", harvest.ErrValidation, err)
	}
	return seed, nil
}

// ImportResult reports the outcome of a seed import.
type ImportResult struct {
	Created []harvest.Source
	Failed  map[int]error
}

// Import creates every valid entry. Invalid entries are reported by index and
// do not stop the rest.
func (s *Service) Import(ctx context.Context, seed SeedFile) ImportResult {
	res := ImportResult{Failed: make(map[int]error)}
	for i, in := range seed.Sources {
		src, err := s.Create(ctx, in)
		if err != nil {
			s.logger.Warn("seed entry rejected", zap.Int("index", i), zap.String("name", in.Name), zap.Error(err))
			res.Failed[i] = err
			continue
		}
		res.Created = append(res.Created, src)
	}
	return res
}
