package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"page-chat/internal/domain"
)

const (
	batchWriteLimit  = 25
	batchWriteRounds = 5
)

func chunkSK(batch string, i int) string {
	return fmt.Sprintf("%s%s#%05d", skPrefixChunk, batch, i)
}

// SaveChunks appends chunks to the session. Each call gets its own sort-key
// batch so repeated pushes never overwrite earlier chunks.
func (c *Client) SaveChunks(ctx context.Context, sessionID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := c.now()
	batch := now.UTC().Format("20060102T150405.000000000Z")
	pk := sessionPK(sessionID)
	ttl := ttlFrom(now)

	requests := make([]types.WriteRequest, 0, len(chunks))
	for i, ch := range chunks {
		item := map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: pk},
			"SK":        &types.AttributeValueMemberS{Value: chunkSK(batch, i)},
			"sessionId": &types.AttributeValueMemberS{Value: sessionID},
			"title":     &types.AttributeValueMemberS{Value: ch.Title},
			"source":    &types.AttributeValueMemberS{Value: ch.Source},
			"text":      &types.AttributeValueMemberS{Value: ch.Text},
			"embedding": &types.AttributeValueMemberB{Value: encodeVector(ch.Embedding)},
			"ttl":       numAttr(ttl),
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for start := 0; start < len(requests); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(requests))
		if err := c.batchWrite(ctx, requests[start:end]); err != nil {
			return fmt.Errorf("repository: SaveChunks: %w", err)
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for round := 0; round < batchWriteRounds; round++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return errors.New("unprocessed items remain after retries")
}

func (c *Client) HasChunks(ctx context.Context, sessionID string) (bool, error) {
	out, err := c.api.Query(ctx, c.chunkQuery(sessionID, nil, aws.Int32(1)))
	if err != nil {
		return false, fmt.Errorf("repository: HasChunks query: %w", err)
	}
	return len(out.Items) > 0, nil
}

// SearchChunks loads every chunk of the session and ranks them against the
// query vector.
func (c *Client) SearchChunks(ctx context.Context, sessionID string, query []float32, k int) ([]ScoredChunk, error) {
	var chunks []domain.Chunk
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, c.chunkQuery(sessionID, startKey, nil))
		if err != nil {
			return nil, fmt.Errorf("repository: SearchChunks query: %w", err)
		}
		for _, item := range out.Items {
			ch, err := itemToChunk(item)
			if err != nil {
				return nil, fmt.Errorf("repository: SearchChunks unmarshal: %w", err)
			}
			chunks = append(chunks, ch)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return TopK(chunks, query, k), nil
}

func (c *Client) chunkQuery(sessionID string, startKey map[string]types.AttributeValue, limit *int32) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixChunk},
		},
		ExclusiveStartKey: startKey,
		Limit:             limit,
	}
}

func itemToChunk(item map[string]types.AttributeValue) (domain.Chunk, error) {
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Chunk{}, err
	}
	raw, ok := item["embedding"].(*types.AttributeValueMemberB)
	if !ok {
		return domain.Chunk{}, errors.New("repository: attribute \"embedding\" is not binary")
	}
	vec, err := decodeVector(raw.Value)
	if err != nil {
		return domain.Chunk{}, err
	}
	sessionID, _ := strAttr(item, "sessionId")
	title, _ := strAttr(item, "title")
	source, _ := strAttr(item, "source")
	return domain.Chunk{
		SessionID: sessionID,
		Title:     title,
		Source:    source,
		Text:      text,
		Embedding: vec,
	}, nil
}

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("repository: embedding length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
