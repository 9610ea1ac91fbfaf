package auth

import (
	"math/rand"
	"strings"

	"github.com/dreamware/wardroom/internal/ward"
)

var (
	givenNames = []string{
		"Ada", "Bea", "Cliff", "Dot", "Earl", "Fay", "Gus", "Hope",
		"Ike", "Iris", "Kit", "Lou", "May", "Ned", "Olive", "Rex",
	}
	clinicalRoots = []string{
		"Hema", "Cardi", "Neuro", "Gastro", "Pulmo", "Nephro", "Endo",
		"Arthro", "Derma", "Osteo", "Lympho", "Rhino", "Cranio",
	}
	punSuffixes = []string{
		"tastic", "stitch", "plaster", "scope", "gauze", "splint",
		"dose", "ointment", "pill", "mend", "onic", "ology",
	}
)

// RandomName returns a playful caregiver display name built from a given
// name and a pseudo-medical surname.
func RandomName() ward.Name {
	root := pick(clinicalRoots)
	suffix := ""
	if rand.Intn(10) < 7 {
		suffix = pick(punSuffixes)
	}
	// Avoid doubled vowels such as "Neuroology".
	if strings.HasSuffix(root, "o") && strings.HasPrefix(suffix, "o") {
		suffix = suffix[1:]
	}
	prefix := ""
	if rand.Intn(5) == 0 {
		prefix = "Mc"
	}
	return ward.Name{FirstName: pick(givenNames), LastName: prefix + root + suffix}
}

func pick(list []string) string {
	return list[rand.Intn(len(list))]
}
