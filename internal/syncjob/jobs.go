package syncjob

import "sort"

// Pair is one directed reconciliation: changed records of Entities in Source
// are re-announced so that Target receives them through the normal pipeline.
type Pair struct {
	Source   string
	Target   string
	Entities []string
}

const JobFull = "full"

var pairs = map[string]Pair{
	"crm_operacao":        {Source: "crm", Target: "operacao", Entities: []string{"patient", "contract"}},
	"crm_financeiro":      {Source: "crm", Target: "financeiro", Entities: []string{"customer", "contract"}},
	"operacao_financeiro": {Source: "operacao", Target: "financeiro", Entities: []string{"service_order", "visit"}},
	"cuidadores_operacao": {Source: "cuidadores", Target: "operacao", Entities: []string{"caregiver", "availability"}},
	"marketing_crm":       {Source: "marketing", Target: "crm", Entities: []string{"lead"}},
	"atendimento_crm":     {Source: "atendimento", Target: "crm", Entities: []string{"ticket"}},
}

// JobTypes lists every supported job type, sorted.
func JobTypes() []string {
	types := make([]string, 0, len(pairs)+1)
	for t := range pairs {
		types = append(types, t)
	}
	types = append(types, JobFull)
	sort.Strings(types)
	return types
}

func ValidJobType(jobType string) bool {
	_, ok := pairs[jobType]
	return ok || jobType == JobFull
}

// pairsFor returns the pairs a job type reconciles, in a stable order.
func pairsFor(jobType string) []Pair {
	if jobType != JobFull {
		if p, ok := pairs[jobType]; ok {
			return []Pair{p}
		}
		return nil
	}
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Pair, 0, len(names))
	for _, name := range names {
		out = append(out, pairs[name])
	}
	return out
}
