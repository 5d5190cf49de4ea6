package engine

import (
	"sort"
	"time"

	"stagehand/internal/domain"
)

type scheduledTask struct {
	Template domain.TaskTemplate
	Due      time.Time
}

type duePlan struct {
	Ready        []scheduledTask
	Deferred     []domain.TaskTemplate
	CycleMembers []int
}

// resolveDueDates computes concrete due timestamps for a template set.
// Templates form a DAG over task_number; absolute (event-relative) templates
// resolve first, then dependents in topological order. Dependencies outside
// the set are looked up via materialized, which reads already-created tasks;
// unresolved dependents are deferred, and cycle members are rejected.
func resolveDueDates(set []domain.TaskTemplate, occurredAt time.Time, materialized func(taskNumber int) (time.Time, bool)) duePlan {
	byNum := make(map[int]domain.TaskTemplate, len(set))
	for _, tpl := range set {
		byNum[tpl.TaskNumber] = tpl
	}

	// Kahn over in-set dependency edges only; external dependencies do not
	// constrain ordering, they resolve against the store.
	indegree := make(map[int]int, len(set))
	dependents := make(map[int][]int, len(set))
	for _, tpl := range set {
		indegree[tpl.TaskNumber] += 0
		if tpl.DueRelation != domain.RelationAfterTask {
			continue
		}
		if _, inSet := byNum[tpl.DependsOn]; inSet {
			indegree[tpl.TaskNumber]++
			dependents[tpl.DependsOn] = append(dependents[tpl.DependsOn], tpl.TaskNumber)
		}
	}

	var queue []int
	for num, deg := range indegree {
		if deg == 0 {
			queue = append(queue, num)
		}
	}
	sort.Ints(queue)

	var order []int
	for len(queue) > 0 {
		num := queue[0]
		queue = queue[1:]
		order = append(order, num)
		for _, dep := range dependents[num] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Ints(queue)
	}

	var plan duePlan
	if len(order) < len(set) {
		// Residual indegree covers the cycle and every task chained behind
		// it; a due date is uncomputable for both, so both are rejected.
		for num, deg := range indegree {
			if deg > 0 {
				plan.CycleMembers = append(plan.CycleMembers, num)
			}
		}
		sort.Ints(plan.CycleMembers)
	}

	dueByNum := make(map[int]time.Time, len(order))
	for _, num := range order {
		tpl := byNum[num]
		switch tpl.DueRelation {
		case domain.RelationAfterCreation, domain.RelationAfterEvent:
			due := addOffset(occurredAt, tpl.DueValue, tpl.DueUnit)
			dueByNum[num] = due
			plan.Ready = append(plan.Ready, scheduledTask{Template: tpl, Due: due})
		case domain.RelationAfterTask:
			anchor, ok := dueByNum[tpl.DependsOn]
			if !ok {
				anchor, ok = materialized(tpl.DependsOn)
			}
			if !ok {
				// Anchor not in this batch and not materialized yet:
				// park the template, do not drop it.
				plan.Deferred = append(plan.Deferred, tpl)
				continue
			}
			due := addOffset(anchor, tpl.DueValue, tpl.DueUnit)
			dueByNum[num] = due
			plan.Ready = append(plan.Ready, scheduledTask{Template: tpl, Due: due})
		}
	}
	return plan
}

func addOffset(t time.Time, value int, unit string) time.Time {
	switch unit {
	case "weeks":
		return t.AddDate(0, 0, 7*value)
	case "months":
		return t.AddDate(0, value, 0)
	case "hours":
		return t.Add(time.Duration(value) * time.Hour)
	default: // days
		return t.AddDate(0, 0, value)
	}
}
