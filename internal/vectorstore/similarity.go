package vectorstore

import (
	"math"
	"sort"

	"abroad-docs-go/internal/model"
)

// CosineSimilarity 返回两个向量的余弦相似度。长度不同或存在零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankByCosine 对候选分块做精确余弦排序，分数相同时保持候选顺序，截断到 limit。
func rankByCosine(candidates []model.Chunk, vector []float32, limit int) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: CosineSimilarity(vector, c.Embedding)})
	}
	sortHits(hits)
	return truncate(hits, limit)
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func truncate(hits []Hit, limit int) []Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

// fromUnitScore 把 (1+cos)/2 形式的分数还原为余弦相似度。
// Atlas $vectorSearch 与 ES knn 在 cosine 相似度下都返回这种形式。
func fromUnitScore(s float64) float64 {
	return 2*s - 1
}
