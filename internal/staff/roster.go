package staff

import (
	"sort"
	"sync"

	"vintner/internal/domain"
)

// Directory resolves worker ids to their current profile.
type Directory interface {
	Lookup(id string) (domain.Worker, bool)
}

// Roster is an in-memory Directory safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	workers map[string]domain.Worker
}

func NewRoster(workers ...domain.Worker) *Roster {
	r := &Roster{workers: make(map[string]domain.Worker, len(workers))}
	for _, w := range workers {
		r.workers[w.ID] = cloneWorker(w)
	}
	return r
}

func (r *Roster) Lookup(id string) (domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	return cloneWorker(w), true
}

// Put adds or replaces a worker after validating it.
func (r *Roster) Put(w domain.Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.workers[w.ID] = cloneWorker(w)
	r.mu.Unlock()
	return nil
}

func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	return true
}

// List returns all workers ordered by id.
func (r *Roster) List() []domain.Worker {
	r.mu.RLock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve looks up every id, returning the known workers and the unknown ids.
func Resolve(dir Directory, ids []string) ([]domain.Worker, []string) {
	var (
		found   []domain.Worker
		missing []string
	)
	for _, id := range ids {
		if w, ok := dir.Lookup(id); ok {
			found = append(found, w)
			continue
		}
		missing = append(missing, id)
	}
	return found, missing
}

func cloneWorker(w domain.Worker) domain.Worker {
	skills := make(map[domain.SkillKind]float64, len(w.Skills))
	for k, v := range w.Skills {
		skills[k] = v
	}
	w.Skills = skills
	if w.Specializations != nil {
		w.Specializations = append([]domain.SkillKind(nil), w.Specializations...)
	}
	return w
}

