package coordinator

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/wardroom/internal/ward"
)

// CaregiverDirectory binds authenticated identities to caregiver records.
// Records outlive sessions; only a process restart forgets them.
type CaregiverDirectory struct {
	caregivers map[string]*ward.Caregiver
	mu         sync.RWMutex
}

// NewCaregiverDirectory creates an empty directory.
func NewCaregiverDirectory() *CaregiverDirectory {
	return &CaregiverDirectory{caregivers: make(map[string]*ward.Caregiver)}
}

// Obtain returns the caregiver for id, creating it on first sight. The
// caregiver id is the identity id, so reconnects never create duplicates.
func (d *CaregiverDirectory) Obtain(id ward.Identity) (ward.Caregiver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.caregivers[id.ID]; ok {
		return cloneCaregiver(c), false
	}
	c := &ward.Caregiver{ID: id.ID, Name: id.Name}
	d.caregivers[id.ID] = c
	return cloneCaregiver(c), true
}

// Get returns a copy of one caregiver.
func (d *CaregiverDirectory) Get(caregiverID string) (ward.Caregiver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.caregivers[caregiverID]
	if !ok {
		return ward.Caregiver{}, false
	}
	return cloneCaregiver(c), true
}

// All returns copies of every known caregiver ordered by id.
func (d *CaregiverDirectory) All() []ward.Caregiver {
	d.mu.RLock()
	out := make([]ward.Caregiver, 0, len(d.caregivers))
	for _, c := range d.caregivers {
		out = append(out, cloneCaregiver(c))
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b ward.Caregiver) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Record appends to the caregiver's resolution history.
func (d *CaregiverDirectory) Record(by CaregiverRef, rec ward.ResolvedRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.caregivers[by.CaregiverID]
	if !ok {
		c = &ward.Caregiver{ID: by.CaregiverID, Name: by.CaregiverName}
		d.caregivers[by.CaregiverID] = c
	}
	c.History = append(c.History, rec)
}

// Len returns the number of known caregivers.
func (d *CaregiverDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.caregivers)
}

func cloneCaregiver(c *ward.Caregiver) ward.Caregiver {
	out := *c
	out.History = append([]ward.ResolvedRecord(nil), c.History...)
	return out
}
