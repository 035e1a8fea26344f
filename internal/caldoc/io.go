package caldoc

import (
	"encoding/json"
	"os"
)

func marshalIndent(d *Doc) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func unmarshal(data []byte) (*Doc, error) {
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
