package attackpath

import "sort"

// shortestPath runs an unweighted BFS from source to sink over adj,
// honoring banned nodes and edges. Returns nil when unreachable.
func shortestPath(adj map[string][]string, source, sink string, bannedNodes map[string]struct{}, bannedEdges map[[2]string]struct{}) []string {
	if source == sink {
		return []string{source}
	}
	if _, banned := bannedNodes[source]; banned {
		return nil
	}

	prev := map[string]string{source: source}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		// Sorted neighbor order keeps results deterministic.
		next := append([]string(nil), adj[cur]...)
		sort.Strings(next)
		for _, n := range next {
			if _, seen := prev[n]; seen {
				continue
			}
			if _, banned := bannedNodes[n]; banned {
				continue
			}
			if _, banned := bannedEdges[[2]string{cur, n}]; banned {
				continue
			}
			prev[n] = cur
			if n == sink {
				var path []string
				for at := sink; at != source; at = prev[at] {
					path = append(path, at)
				}
				path = append(path, source)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, n)
		}
	}
	return nil
}

// KShortestPaths enumerates up to k loop-free paths from source to sink
// in ascending length order (Yen's algorithm over unweighted edges).
func KShortestPaths(adj map[string][]string, source, sink string, k int) [][]string {
	if k < 1 {
		return nil
	}
	first := shortestPath(adj, source, sink, nil, nil)
	if first == nil {
		return nil
	}

	paths := [][]string{first}
	var candidates [][]string

	for len(paths) < k {
		lastPath := paths[len(paths)-1]
		for i := 0; i < len(lastPath)-1; i++ {
			spurNode := lastPath[i]
			rootPath := lastPath[:i+1]

			bannedEdges := make(map[[2]string]struct{})
			for _, p := range paths {
				if len(p) > i && equalPath(p[:i+1], rootPath) {
					bannedEdges[[2]string{p[i], p[i+1]}] = struct{}{}
				}
			}
			bannedNodes := make(map[string]struct{})
			for _, n := range rootPath[:i] {
				bannedNodes[n] = struct{}{}
			}

			spurPath := shortestPath(adj, spurNode, sink, bannedNodes, bannedEdges)
			if spurPath == nil {
				continue
			}

			total := append(append([]string{}, rootPath[:i]...), spurPath...)
			if !containsPath(paths, total) && !containsPath(candidates, total) {
				candidates = append(candidates, total)
			}
		}
		if len(candidates) == 0 {
			break
		}

		sort.Slice(candidates, func(a, b int) bool {
			if len(candidates[a]) != len(candidates[b]) {
				return len(candidates[a]) < len(candidates[b])
			}
			return lessPath(candidates[a], candidates[b])
		})
		paths = append(paths, candidates[0])
		candidates = candidates[1:]
	}
	return paths
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lessPath(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func containsPath(paths [][]string, p []string) bool {
	for _, q := range paths {
		if equalPath(q, p) {
			return true
		}
	}
	return false
}
