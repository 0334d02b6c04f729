package router

// DefaultSpec returns the compiled-in routing table.
func DefaultSpec() Spec {
	return Spec{
		Services: map[string]Endpoint{
			"frontend": {Host: "172.90.0.20", Port: 3000},
			"backend":  {Host: "172.90.0.10", Port: 8000},
			"database": {Host: "172.90.0.40", Port: 5432},
			"grpc":     {Host: "172.90.0.30", Port: 50051},
		},
		Ports: map[int]string{
			80:    "frontend",
			443:   "frontend",
			8000:  "backend",
			5432:  "database",
			50051: "grpc",
		},
		Rules: []RuleSpec{
			{Pattern: `(GET|POST|PUT|DELETE|PATCH) /api/`, Service: "backend"},
			{Pattern: `(GET|POST) /grpc/`, Service: "grpc"},
		},
		DefaultService: DefaultService,
	}
}
