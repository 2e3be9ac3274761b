package step

// topoSort is Kahn's algorithm over nodes, picking the ready node with the lowest rank
// each round so the result only depends on the graph and the ranks. edges maps a node
// to the nodes it depends on. On a cycle it returns the cycle path instead.
func topoSort(nodes []Dependency, edges map[Dependency][]Dependency, rank func(Dependency) int) ([]Dependency, []Dependency) {
	inDegree := make(map[Dependency]int, len(nodes))
	forward := make(map[Dependency][]Dependency)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, n := range nodes {
		for _, dep := range edges[n] {
			if _, ok := inDegree[dep]; !ok {
				continue
			}
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
		}
	}

	var ready []Dependency
	for _, n := range nodes {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	sorted := make([]Dependency, 0, len(nodes))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if rank(ready[i]) < rank(ready[best]) {
				best = i
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	return nil, findCyclePath(nodes, edges, inDegree)
}

// findCyclePath finds a cycle among nodes with non-zero in-degree.
func findCyclePath(nodes []Dependency, edges map[Dependency][]Dependency, inDegree map[Dependency]int) []Dependency {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[Dependency]int)
	parent := make(map[Dependency]Dependency)

	var cyclePath []Dependency

	var dfs func(node Dependency) bool
	dfs = func(node Dependency) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if inDegree[dep] == 0 {
				continue
			}
			if color[dep] == gray {
				cyclePath = []Dependency{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}
	return nil
}
