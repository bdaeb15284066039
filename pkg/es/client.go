// Package es 提供了与 Elasticsearch 交互的客户端功能，维护视频搜索索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/NureniJamiu/screenforge/internal/config"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// VideoDocument 定义了存储在 Elasticsearch 中的视频文档结构。
type VideoDocument struct {
	VideoID       string    `json:"video_id"`
	UserID        uint      `json:"user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	OriginalName  string    `json:"original_name"`
	RecordingType string    `json:"recording_type"`
	Duration      *float64  `json:"duration,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SearchHit 是一条搜索命中。
type SearchHit struct {
	VideoID string  `json:"videoId"`
	Score   float64 `json:"score"`
}

// VideoIndex 封装了一个视频索引上的读写操作。
type VideoIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// InitES 初始化 Elasticsearch 客户端并确保索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*VideoIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := &VideoIndex{client: client, indexName: esCfg.IndexName}
	return idx, idx.createIndexIfNotExists()
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (v *VideoIndex) createIndexIfNotExists() error {
	res, err := v.client.Indices.Exists([]string{v.indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", v.indexName)
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", v.indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := `{
		"mappings": {
			"properties": {
				"video_id": { "type": "keyword" },
				"user_id": { "type": "long" },
				"title": { "type": "text" },
				"description": { "type": "text" },
				"original_name": { "type": "text" },
				"recording_type": { "type": "keyword" },
				"duration": { "type": "float" },
				"created_at": { "type": "date" }
			}
		}
	}`

	createRes, err := v.client.Indices.Create(
		v.indexName,
		v.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", v.indexName, err)
		return err
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", v.indexName, createRes.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", v.indexName)
	return nil
}

// IndexVideo 将单个视频文档写入索引，以 VideoID 为文档 ID，重复写入是覆盖。
func (v *VideoIndex) IndexVideo(ctx context.Context, doc VideoDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      v.indexName,
		DocumentID: doc.VideoID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, v.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// Search 在用户自己的视频中按标题、描述和文件名做全文检索。
func (v *VideoIndex) Search(ctx context.Context, userID uint, query string, size int) ([]SearchHit, error) {
	body := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"title^2", "description", "original_name"},
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"user_id": userID},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	res, err := v.client.Search(
		v.client.Search.WithContext(ctx),
		v.client.Search.WithIndex(v.indexName),
		v.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID    string  `json:"_id"`
				Score float64 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, SearchHit{VideoID: h.ID, Score: h.Score})
	}
	return hits, nil
}
