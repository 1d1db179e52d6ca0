package engine

import "fmt"

// Build resolves every platform of a definition, expands its provisioning
// actions and emits the matrix. The first error aborts the build and no
// partial matrix is returned.
func Build(def Definition) (*Matrix, error) {
	jobs, err := ResolveAll(def)
	if err != nil {
		return nil, err
	}
	m := Emit(jobs)
	return &m, nil
}

// ResolveAll resolves and expands every platform in declaration order.
func ResolveAll(def Definition) ([]JobSpecification, error) {
	jobs := make([]JobSpecification, 0, len(def.Platforms))
	names := make(map[string]int, len(def.Platforms))

	for i, platform := range def.Platforms {
		job, err := resolveAt(def.Defaults, platform, i)
		if err != nil {
			return nil, err
		}
		if prev, ok := names[job.Name]; ok {
			return nil, NewValidationError("name",
				fmt.Sprintf("job name %q is already used by platform %d", job.Name, prev)).
				WithCode(ErrCodeConflict).
				WithPlatform(job.Name, i)
		}
		names[job.Name] = i

		actions, err := ExpandJob(job)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job.WithActions(actions))
	}

	return jobs, nil
}
