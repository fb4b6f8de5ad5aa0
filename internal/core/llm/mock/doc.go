// Package mock provides test doubles for the embedding and media analysis
// ports in internal/core.
//
// Every mock returns deterministic output by default and lets tests inject
// behaviour through function fields:
//
//	emb := mock.NewTextEmbedder()
//	emb.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, errors.New("provider down")
//	}
//
// Call counts are safe to read from the test goroutine while the code under
// test runs in others.
package mock
