package cli

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"polystore.evalgo.org/model"
	"polystore.evalgo.org/store"
)

var (
	writeID            string
	writeContentType   string
	writeVectorsFile   string
	writeRelationsFile string
	readOutput         string
)

func init() {
	writeCmd.Flags().StringVar(&writeID, "id", "", "document id (default: generated)")
	writeCmd.Flags().StringVar(&writeContentType, "content-type", "", "MIME type (default: derived from the file extension)")
	writeCmd.Flags().StringVar(&writeVectorsFile, "vectors", "", "JSON file with vector records to store alongside the payload")
	writeCmd.Flags().StringVar(&writeRelationsFile, "relations", "", "JSON file with relations to store alongside the payload")

	readCmd.Flags().StringVar(&readOutput, "output", "", "write the payload to this file instead of printing the view")
}

// loadJSONFile decodes an optional JSON side input; an empty path is nil.
func loadJSONFile(path string, target interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

var writeCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "store a file across all configured backends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}

		contentType := writeContentType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(path))
		}

		var vectors []model.VectorRecord
		if err := loadJSONFile(writeVectorsFile, &vectors); err != nil {
			return fmt.Errorf("reading vectors: %w", err)
		}
		var relations []model.Relation
		if err := loadJSONFile(writeRelationsFile, &relations); err != nil {
			return fmt.Errorf("reading relations: %w", err)
		}

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.WriteDocument(cmd.Context(), store.WriteRequest{
			DocumentID:   writeID,
			FileName:     filepath.Base(path),
			MIME:         contentType,
			Payload:      f,
			DeclaredSize: info.Size(),
			Vectors:      vectors,
			Relations:    relations,
		})
		if err != nil {
			if result != nil && result.Saga != nil {
				_ = printJSON(result.Saga)
			}
			return err
		}

		return printJSON(struct {
			DocumentID string            `json:"document_id"`
			Status     string            `json:"status"`
			Size       int64             `json:"size"`
			Hash       string            `json:"content_hash"`
			References map[string]string `json:"references,omitempty"`
		}{
			DocumentID: result.Document.ID,
			Status:     string(result.Document.Status),
			Size:       result.Document.Size,
			Hash:       result.Document.ContentHash,
			References: flattenReferences(result.Document),
		})
	},
}

// flattenReferences summarizes the per-backend reference maps as
// backend/key counts for display.
func flattenReferences(doc model.Document) map[string]string {
	if len(doc.References) == 0 {
		return nil
	}
	out := make(map[string]string, len(doc.References))
	for kind, keys := range doc.References {
		if len(keys) == 1 {
			for _, nativeKey := range keys {
				out[kind] = nativeKey
			}
			continue
		}
		out[kind] = fmt.Sprintf("%d objects", len(keys))
	}
	return out
}

var readCmd = &cobra.Command{
	Use:   "read <document-id>",
	Short: "materialize a document from all backends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		view, err := s.ReadDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if readOutput != "" {
			if err := os.WriteFile(readOutput, view.Payload, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %s\n", len(view.Payload), readOutput)
			view.Payload = nil
		}
		return printJSON(view)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "remove a document from every backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.DeleteDocument(cmd.Context(), args[0])
		if err != nil {
			if result != nil {
				_ = printJSON(result)
			}
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}
