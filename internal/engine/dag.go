package engine

import (
	"fmt"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/operator"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ─── DAG Structure ───

// WorkflowTask is one task of a compiled workflow. Tasks are in pre-order, so
// a parent always precedes its children; the root is at index 0.
type WorkflowTask struct {
	Index           int
	Name            string
	FullName        string
	ParentIndex     int // -1 for the root
	UpstreamIndexes []int
	TaskType        session.TaskType
	Config          config.Config
	Export          config.Config
}

// IsRoot reports whether the task is the workflow root.
func (t *WorkflowTask) IsRoot() bool { return t.ParentIndex < 0 }

// Workflow is the flat task list a session is created from.
type Workflow struct {
	Name  string
	Tasks []WorkflowTask
}

// Compile flattens a definition into a workflow. Siblings without any
// depends_on run one after another in declaration order unless the group is
// parallel.
func Compile(def *Definition) (*Workflow, error) {
	wf := &Workflow{Name: def.Name}
	wf.Tasks = append(wf.Tasks, WorkflowTask{
		Index:       0,
		Name:        def.Name,
		FullName:    "+" + def.Name,
		ParentIndex: -1,
		TaskType:    session.TaskTypeGroupingOnly,
		Config:      config.New(),
		Export:      def.Export,
	})
	if err := wf.addChildren(0, def.Tasks, def.Parallel); err != nil {
		return nil, err
	}
	return wf, nil
}

func (wf *Workflow) addChildren(parent int, children []TaskDef, parallel bool) error {
	parentName := wf.Tasks[parent].FullName

	// index children first so depends_on can point forward
	byName := make(map[string]int, len(children))
	order := make([]string, 0, len(children))
	explicit := false
	for i := range children {
		child := &children[i]
		if err := validateTaskName(child.Name); err != nil {
			return fmt.Errorf("%s: %w", parentName, err)
		}
		if _, exists := byName[child.Name]; exists {
			return fmt.Errorf("%s: duplicate task name: %s", parentName, child.Name)
		}
		byName[child.Name] = i
		order = append(order, child.Name)
		if len(child.DependsOn) > 0 {
			explicit = true
		}
	}

	deps := make(map[string][]string, len(children))
	if explicit || parallel {
		for _, child := range children {
			for _, up := range child.DependsOn {
				if _, ok := byName[up]; !ok {
					return fmt.Errorf("%s+%s depends on unknown task: %s", parentName, child.Name, up)
				}
				deps[child.Name] = append(deps[child.Name], up)
			}
		}
	} else {
		for i := 1; i < len(order); i++ {
			deps[order[i]] = []string{order[i-1]}
		}
	}
	if err := checkAcyclic(order, deps); err != nil {
		return fmt.Errorf("%s: %w", parentName, err)
	}

	indexes := make(map[string]int, len(children))
	for i := range children {
		child := &children[i]
		idx := len(wf.Tasks)
		indexes[child.Name] = idx

		task := WorkflowTask{
			Index:       idx,
			Name:        child.Name,
			FullName:    parentName + "+" + child.Name,
			ParentIndex: parent,
			TaskType:    session.TaskTypeNormal,
			Config:      child.localConfig(),
			Export:      child.Export,
		}
		if child.IsGroup() {
			if _, _, ok := operator.CommandOf(task.Config); ok {
				return fmt.Errorf("%s: a group cannot run an operator", task.FullName)
			}
			task.TaskType = session.TaskTypeGroupingOnly
		}
		wf.Tasks = append(wf.Tasks, task)

		if child.IsGroup() {
			if err := wf.addChildren(idx, child.Tasks, child.Parallel); err != nil {
				return err
			}
		}
	}

	for _, name := range order {
		t := &wf.Tasks[indexes[name]]
		for _, up := range deps[name] {
			t.UpstreamIndexes = append(t.UpstreamIndexes, indexes[up])
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over one sibling group.
func checkAcyclic(order []string, deps map[string][]string) error {
	inDegree := make(map[string]int, len(order))
	successors := make(map[string][]string, len(order))
	for _, name := range order {
		inDegree[name] = len(deps[name])
		for _, up := range deps[name] {
			successors[up] = append(successors[up], name)
		}
	}

	var queue []string
	for _, name := range order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(order) {
		var cyclic []string
		for _, name := range order {
			if inDegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return fmt.Errorf("dependency cycle among tasks %v", cyclic)
	}
	return nil
}

// Children returns the indexes of a task's direct children.
func (wf *Workflow) Children(index int) []int {
	var out []int
	for _, t := range wf.Tasks {
		if t.ParentIndex == index {
			out = append(out, t.Index)
		}
	}
	return out
}
