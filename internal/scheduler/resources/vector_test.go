package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestNew_DropsNegativeAndZero(t *testing.T) {
	v := New(map[string]float64{CPUs: 1, Mem: -5, GPUs: 0, Disk: 1e-9})
	assert.Equal(t, Vector{CPUs: 1}, v)
}

func TestAdd(t *testing.T) {
	a := Vector{CPUs: 1, Mem: 512}
	b := Vector{CPUs: 0.5, GPUs: 1}
	assert.Equal(t, Vector{CPUs: 1.5, Mem: 512, GPUs: 1}, a.Add(b))
	// Pure
	assert.Equal(t, Vector{CPUs: 1, Mem: 512}, a)
}

func TestSubtractSaturating(t *testing.T) {
	tests := map[string]struct {
		a                 Vector
		b                 Vector
		expectedResult    Vector
		expectedShortfall Vector
	}{
		"exact": {
			a:                 Vector{CPUs: 2, Mem: 1024},
			b:                 Vector{CPUs: 2, Mem: 1024},
			expectedResult:    Vector{},
			expectedShortfall: Vector{},
		},
		"partial": {
			a:                 Vector{CPUs: 2, Mem: 1024},
			b:                 Vector{CPUs: 1, Mem: 512},
			expectedResult:    Vector{CPUs: 1, Mem: 512},
			expectedShortfall: Vector{},
		},
		"shortfall": {
			a:                 Vector{CPUs: 1, Mem: 1024},
			b:                 Vector{CPUs: 3, GPUs: 1},
			expectedResult:    Vector{Mem: 1024},
			expectedShortfall: Vector{CPUs: 2, GPUs: 1},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, shortfall := tc.a.SubtractSaturating(tc.b)
			assert.True(t, tc.expectedResult.Equal(result), "result %s", result)
			assert.True(t, tc.expectedShortfall.Equal(shortfall), "shortfall %s", shortfall)
		})
	}
}

func TestSubtractSaturating_NoDriftAfterRepeatedOps(t *testing.T) {
	total := Vector{CPUs: 1}
	v := total
	for i := 0; i < 10; i++ {
		v, _ = v.SubtractSaturating(Vector{CPUs: 0.1})
	}
	assert.True(t, v.IsZero())
	for i := 0; i < 10; i++ {
		v = v.Add(Vector{CPUs: 0.1})
	}
	assert.True(t, total.FitsIn(v))
	assert.True(t, v.FitsIn(total))
}

func TestFitsIn(t *testing.T) {
	tests := map[string]struct {
		a        Vector
		b        Vector
		expected bool
	}{
		"equal fits":                 {a: Vector{CPUs: 2, Mem: 1024}, b: Vector{CPUs: 2, Mem: 1024}, expected: true},
		"smaller fits":               {a: Vector{CPUs: 1}, b: Vector{CPUs: 2, Mem: 1024}, expected: true},
		"bigger does not fit":        {a: Vector{CPUs: 3}, b: Vector{CPUs: 2, Mem: 1024}, expected: false},
		"unadvertised does not fit":  {a: Vector{GPUs: 1}, b: Vector{CPUs: 2, Mem: 1024}, expected: false},
		"within epsilon fits":        {a: Vector{CPUs: 2 + 1e-9}, b: Vector{CPUs: 2}, expected: true},
		"empty fits in anything":     {a: Vector{}, b: Vector{}, expected: true},
		"nil fits in empty":          {a: nil, b: Vector{}, expected: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.a.FitsIn(tc.b))
		})
	}
}

func TestScale(t *testing.T) {
	assert.Equal(t, Vector{CPUs: 2, Mem: 1024}, Vector{CPUs: 1, Mem: 512}.Scale(2))
	assert.True(t, Vector{CPUs: 1}.Scale(-1).IsZero())
}

func TestEqual(t *testing.T) {
	assert.True(t, Vector{CPUs: 1, Mem: 0}.Equal(Vector{CPUs: 1}))
	assert.True(t, Vector{CPUs: 1}.Equal(Vector{CPUs: 1 + 1e-8}))
	assert.False(t, Vector{CPUs: 1}.Equal(Vector{CPUs: 1, GPUs: 1}))
}

func TestUtilisation(t *testing.T) {
	cpu, mem := Utilisation(Vector{CPUs: 1, Mem: 1024}, Vector{CPUs: 4, Mem: 1024})
	assert.InDelta(t, 0.75, cpu, Epsilon)
	assert.InDelta(t, 0.0, mem, Epsilon)

	cpu, mem = Utilisation(Vector{}, Vector{})
	assert.Equal(t, 1.0, cpu)
	assert.Equal(t, 1.0, mem)
}

func TestSumAndMax(t *testing.T) {
	assert.Equal(t, Vector{CPUs: 3, Mem: 10}, Sum(Vector{CPUs: 1}, Vector{CPUs: 2, Mem: 10}))
	assert.Equal(t, Vector{CPUs: 2, Mem: 10}, Max(Vector{CPUs: 2, Mem: 5}, Vector{CPUs: 1, Mem: 10}))
}

func TestFromQuantities(t *testing.T) {
	v := FromQuantities(map[string]resource.Quantity{
		CPUs: resource.MustParse("500m"),
		Mem:  resource.MustParse("512"),
		GPUs: resource.MustParse("0"),
	})
	assert.Equal(t, Vector{CPUs: 0.5, Mem: 512}, v)
}

func TestStringAndNames(t *testing.T) {
	v := Vector{Mem: 512, CPUs: 1}
	assert.Equal(t, "{cpus: 1.00, mem: 512.00}", v.String())
	assert.Equal(t, []string{CPUs, Mem}, v.Names())
}
