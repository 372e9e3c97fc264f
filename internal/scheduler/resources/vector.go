// Package resources implements the named scalar resource vectors advertised by agents and requested by jobs.
package resources

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	CPUs = "cpus"
	// Mem is measured in MiB.
	Mem = "mem"
	// Disk is measured in MiB.
	Disk = "disk"
	GPUs = "gpus"
)

// Epsilon absorbs the rounding error accumulated by repeated add and subtract.
const Epsilon = 1e-6

// Vector maps a resource name to a non-negative amount. A missing name is zero.
// All methods return new vectors and never mutate their receiver.
type Vector map[string]float64

// New returns a copy of values with negative and sub-epsilon amounts dropped.
func New(values map[string]float64) Vector {
	v := make(Vector, len(values))
	for name, value := range values {
		if value > Epsilon {
			v[name] = value
		}
	}
	return v
}

// FromQuantities converts parsed quantities. Quantities are read as plain numbers in each resource's unit.
func FromQuantities(quantities map[string]resource.Quantity) Vector {
	values := make(map[string]float64, len(quantities))
	for name, q := range quantities {
		values[name] = QuantityAsFloat64(q)
	}
	return New(values)
}

// QuantityAsFloat64 returns a float64 representation of a quantity.
// q.AsApproximateFloat64 gives surprising results for large binary-suffixed quantities.
func QuantityAsFloat64(q resource.Quantity) float64 {
	dec := q.AsDec()
	unscaledFloat, _ := new(big.Float).SetInt(dec.UnscaledBig()).Float64()
	return unscaledFloat * math.Pow10(-int(dec.Scale()))
}

func (v Vector) Get(name string) float64 {
	return v[name]
}

func (v Vector) DeepCopy() Vector {
	if v == nil {
		return Vector{}
	}
	return maps.Clone(v)
}

// Add returns v + other.
func (v Vector) Add(other Vector) Vector {
	result := v.DeepCopy()
	for name, value := range other {
		result[name] += value
	}
	return New(result)
}

// SubtractSaturating returns max(v - other, 0) and the amount of other that v could not cover.
func (v Vector) SubtractSaturating(other Vector) (Vector, Vector) {
	result := v.DeepCopy()
	shortfall := Vector{}
	for name, value := range other {
		remaining := result[name] - value
		if remaining < -Epsilon {
			shortfall[name] = -remaining
		}
		if remaining > Epsilon {
			result[name] = remaining
		} else {
			delete(result, name)
		}
	}
	return result, shortfall
}

// FitsIn reports whether every component of v is at most the matching component of other.
func (v Vector) FitsIn(other Vector) bool {
	for name, value := range v {
		if value > other[name]+Epsilon {
			return false
		}
	}
	return true
}

// Scale returns k * v. Negative k yields the zero vector.
func (v Vector) Scale(k float64) Vector {
	result := make(map[string]float64, len(v))
	for name, value := range v {
		result[name] = value * k
	}
	return New(result)
}

// Equal compares within Epsilon. Missing names compare as zero.
func (v Vector) Equal(other Vector) bool {
	for name, value := range v {
		if math.Abs(value-other[name]) > Epsilon {
			return false
		}
	}
	for name, value := range other {
		if _, ok := v[name]; !ok && value > Epsilon {
			return false
		}
	}
	return true
}

func (v Vector) IsZero() bool {
	for _, value := range v {
		if value > Epsilon {
			return false
		}
	}
	return true
}

// Names returns the resource names with a non-zero amount, sorted.
func (v Vector) Names() []string {
	names := make([]string, 0, len(v))
	for name, value := range v {
		if value > Epsilon {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Utilisation returns how loaded an agent is on CPU and then memory: 1 - available/total, in [0, 1].
// A resource with no total counts as fully loaded.
func Utilisation(available, total Vector) (cpu float64, mem float64) {
	return loadOf(available, total, CPUs), loadOf(available, total, Mem)
}

func loadOf(available, total Vector, name string) float64 {
	t := total[name]
	if t <= Epsilon {
		return 1
	}
	load := 1 - available[name]/t
	return math.Max(0, math.Min(1, load))
}

// Sum adds every vector.
func Sum(vectors ...Vector) Vector {
	result := Vector{}
	for _, v := range vectors {
		for name, value := range v {
			result[name] += value
		}
	}
	return New(result)
}

// Max returns the componentwise maximum of a and b.
func Max(a, b Vector) Vector {
	result := a.DeepCopy()
	for name, value := range b {
		if value > result[name] {
			result[name] = value
		}
	}
	return New(result)
}

func (v Vector) String() string {
	names := maps.Keys(v)
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %.2f", name, v[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
