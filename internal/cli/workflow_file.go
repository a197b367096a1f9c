package cli

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/models"
	"gopkg.in/yaml.v3"
)

// workflowFile is the on-disk shape of a workflow definition. Timeouts
// are authored as duration strings ("30s", "5m").
type workflowFile struct {
	Name  string      `yaml:"name"`
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Operation   string         `yaml:"operation"`
	Params      map[string]any `yaml:"params"`
	DependsOn   []string       `yaml:"depends_on"`
	Timeout     string         `yaml:"timeout"`
	MaxRetries  int            `yaml:"max_retries"`
}

// LoadWorkflowFile parses a YAML workflow definition into task specs.
func LoadWorkflowFile(path string) (string, []models.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "read workflow file %s", path)
	}
	return parseWorkflow(data)
}

func parseWorkflow(data []byte) (string, []models.TaskSpec, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return "", nil, errors.Wrap(err, "parse workflow file")
	}
	if wf.Name == "" {
		return "", nil, errors.New("workflow file is missing 'name'")
	}
	specs := make([]models.TaskSpec, 0, len(wf.Tasks))
	for _, entry := range wf.Tasks {
		spec := models.TaskSpec{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Operation:   entry.Operation,
			Params:      models.Params(entry.Params),
			DependsOn:   entry.DependsOn,
			MaxRetries:  entry.MaxRetries,
		}
		if spec.Name == "" {
			spec.Name = spec.ID
		}
		if entry.Timeout != "" {
			timeout, err := time.ParseDuration(entry.Timeout)
			if err != nil {
				return "", nil, errors.Wrapf(err, "task '%s' has invalid timeout %q", entry.ID, entry.Timeout)
			}
			spec.Timeout = timeout
		}
		specs = append(specs, spec)
	}
	return wf.Name, specs, nil
}
