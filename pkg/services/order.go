package services

import (
	"sort"
	"strings"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

// Levels groups services into dependency levels: every service appears after
// all of its dependencies, and services within a level are independent of each
// other. Declaration order is kept within a level.
func Levels(list []ManagedService) ([][]*ManagedService, error) {
	index := make(map[string]int, len(list))
	for i := range list {
		index[list[i].Name] = i
	}

	level := make(map[string]int, len(list))
	visiting := make(map[string]bool, len(list))
	var visit func(name string, path []string) (int, error)
	visit = func(name string, path []string) (int, error) {
		if l, ok := level[name]; ok {
			return l, nil
		}
		if visiting[name] {
			return 0, errors.NewValidationError("dependency cycle", nil).
				WithContext("cycle", strings.Join(append(path, name), " -> "))
		}
		i, ok := index[name]
		if !ok {
			return 0, errors.NewValidationError("unknown dependency", nil).WithContext("service", name)
		}
		visiting[name] = true
		l := 0
		for _, dep := range list[i].DependsOn {
			depLevel, err := visit(dep, append(path, name))
			if err != nil {
				return 0, err
			}
			if depLevel+1 > l {
				l = depLevel + 1
			}
		}
		visiting[name] = false
		level[name] = l
		return l, nil
	}

	depth := 0
	for i := range list {
		l, err := visit(list[i].Name, nil)
		if err != nil {
			return nil, err
		}
		if l+1 > depth {
			depth = l + 1
		}
	}

	levels := make([][]*ManagedService, depth)
	for i := range list {
		l := level[list[i].Name]
		levels[l] = append(levels[l], &list[i])
	}
	return levels, nil
}

// StartOrder flattens Levels into a single dependency-respecting sequence.
func StartOrder(list []ManagedService) ([]*ManagedService, error) {
	levels, err := Levels(list)
	if err != nil {
		return nil, err
	}
	order := make([]*ManagedService, 0, len(list))
	for _, l := range levels {
		order = append(order, l...)
	}
	return order, nil
}

// StopOrder is StartOrder reversed: dependents stop before their dependencies.
func StopOrder(list []ManagedService) ([]*ManagedService, error) {
	order, err := StartOrder(list)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Select returns the enabled services named in names, or all enabled services
// when names is empty. With withDependencies the transitive dependencies of the
// named services are included too. Unknown names are a validation error.
func Select(list []ManagedService, names []string, withDependencies bool) ([]ManagedService, error) {
	byName := make(map[string]*ManagedService, len(list))
	for i := range list {
		byName[list[i].Name] = &list[i]
	}

	if len(names) == 0 {
		enabled := make(map[string]bool, len(list))
		for i := range list {
			if list[i].IsEnabled() {
				enabled[list[i].Name] = true
			}
		}
		selected := make([]ManagedService, 0, len(enabled))
		for i := range list {
			if enabled[list[i].Name] {
				selected = append(selected, trimDependencies(list[i], enabled))
			}
		}
		return selected, nil
	}

	wanted := make(map[string]bool)
	var include func(name string) error
	include = func(name string) error {
		svc, ok := byName[name]
		if !ok {
			known := make([]string, 0, len(byName))
			for n := range byName {
				known = append(known, n)
			}
			sort.Strings(known)
			return errors.NewValidationError("unknown service", nil).
				WithContext("service", name).WithContext("known", strings.Join(known, ", "))
		}
		if wanted[name] {
			return nil
		}
		wanted[name] = true
		if withDependencies {
			for _, dep := range svc.DependsOn {
				if err := include(dep); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, name := range names {
		if err := include(name); err != nil {
			return nil, err
		}
	}

	selected := make([]ManagedService, 0, len(wanted))
	for i := range list {
		if !wanted[list[i].Name] {
			continue
		}
		if !list[i].IsEnabled() {
			return nil, errors.NewValidationError("service is disabled", nil).WithContext("service", list[i].Name)
		}
		selected = append(selected, trimDependencies(list[i], wanted))
	}
	return selected, nil
}

// trimDependencies drops dependencies outside the selection so the selection
// can be ordered on its own.
func trimDependencies(svc ManagedService, wanted map[string]bool) ManagedService {
	if len(svc.DependsOn) == 0 {
		return svc
	}
	deps := make([]string, 0, len(svc.DependsOn))
	for _, dep := range svc.DependsOn {
		if wanted[dep] {
			deps = append(deps, dep)
		}
	}
	svc.DependsOn = deps
	return svc
}
