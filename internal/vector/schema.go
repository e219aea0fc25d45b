package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding chapter chunks.
const ClassName = "ChapterChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema checks that the ChapterChunk class exists and creates it if
// not. Vectors are supplied by the caller, so the class has no vectorizer.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // positional ID, exact match
		},
		{
			Name:     "chapterId",
			DataType: []string{"string"},
		},
		{
			Name:     "position",
			DataType: []string{"int"},
		},
		{
			Name:     "text",
			DataType: []string{"text"},
		},
		{
			Name:     "contentHash",
			DataType: []string{"string"},
		},
		{
			Name:     "indexedAt",
			DataType: []string{"string"}, // RFC 3339
		},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "A paragraph-level chunk of a manuscript chapter",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	// Class exists, check for missing properties
	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
