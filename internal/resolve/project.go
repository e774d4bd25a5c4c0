package resolve

import (
	"context"
	"errors"
	"log"

	"wellspring/session/internal/platform"
	"wellspring/session/internal/prefs"
)

// Pair joins a project with the user's subject record in it. Only paired
// projects are selectable.
type Pair struct {
	Project platform.Project `json:"project"`
	Subject platform.Subject `json:"subject"`
}

type ProjectState struct {
	ActiveProject   *platform.Project `json:"activeProject"`
	ActiveSubjectID string            `json:"activeSubjectId"`
	ActiveSubject   *platform.Subject `json:"activeSubject"`
}

// PairSubjects matches subjects to known projects, preserving subject list
// order. Subjects pointing at unknown projects are dropped.
func PairSubjects(projects []platform.Project, subjects []platform.Subject) []Pair {
	byID := make(map[string]platform.Project, len(projects))
	for _, project := range projects {
		byID[project.ID] = project
	}
	var pairs []Pair
	for _, subject := range subjects {
		project, ok := byID[subject.ProjectID]
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{Project: project, Subject: subject})
	}
	return pairs
}

type ProjectResolver struct {
	prefs prefs.Store
}

func NewProjectResolver(store prefs.Store) *ProjectResolver {
	return &ProjectResolver{prefs: store}
}

// Resolve selects a project+subject pair: persisted preference (namespaced by
// user id) first, then the first pair. An empty pair list is a first-class
// empty state. The selected project id is written back on every resolution so
// switching users cannot leak a stale project id.
func (r *ProjectResolver) Resolve(ctx context.Context, userID string, pairs []Pair) (ProjectState, error) {
	if len(pairs) == 0 {
		return ProjectState{}, nil
	}

	preferred := ""
	if stored, err := r.prefs.Get(ctx, prefs.ProjectKey(userID)); err == nil {
		preferred = stored
	} else if !errors.Is(err, prefs.ErrNotFound) {
		log.Printf("resolve: read preferred project for %s: %v", userID, err)
	}

	chosen := pairs[0]
	if preferred != "" {
		for _, pair := range pairs {
			if pair.Project.ID == preferred {
				chosen = pair
				break
			}
		}
	}

	if err := r.prefs.Set(ctx, prefs.ProjectKey(userID), chosen.Project.ID); err != nil {
		log.Printf("resolve: persist preferred project for %s: %v", userID, err)
	}

	return ProjectState{
		ActiveProject:   &chosen.Project,
		ActiveSubjectID: chosen.Subject.SubjectID,
		ActiveSubject:   &chosen.Subject,
	}, nil
}

// SetActive records an explicit project selection. A project id with no
// matching pair is a silent no-op (warning only): callers hit this while
// project lists are still loading, and the previous selection must survive.
func (r *ProjectResolver) SetActive(ctx context.Context, userID, projectID string, pairs []Pair) error {
	known := false
	for _, pair := range pairs {
		if pair.Project.ID == projectID {
			known = true
			break
		}
	}
	if !known {
		log.Printf("resolve: ignoring unknown project id %q for %s", projectID, userID)
		return nil
	}
	if err := r.prefs.Set(ctx, prefs.ProjectKey(userID), projectID); err != nil {
		return err
	}
	return nil
}
