package imageconfig

import (
	"bytes"
	"encoding/json"

	"github.com/quay/distribution/digestutil"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/schema1"
)

// BuildSchema1 produces the schema 1 equivalent of an image. It returns nil
// when a layer is remote, since schema 1 cannot describe one.
func BuildSchema1(cfg *Config, layers []LayerRef, opts manifest.ConvertOptions) (*schema1.SignedManifest, error) {
	for _, l := range layers {
		if l.Remote {
			return nil, nil
		}
	}

	linear, err := Linearize(cfg, layers)
	if err != nil {
		return nil, err
	}

	tag := opts.TagName
	if tag == "" {
		tag = "latest"
	}
	b := schema1.NewBuilder(opts.Namespace, opts.RepoName, tag, cfg.Architecture)
	for i := len(linear) - 1; i >= 0; i-- {
		v1c, err := cfg.v1Compatibility(linear[i], i == len(linear)-1)
		if err != nil {
			return nil, err
		}
		b.AddLayer(linear[i].BlobDigest, v1c)
	}
	return b.Build(opts.SigningKey)
}

// v1Compatibility renders the v1 image JSON for a layer. The leaf carries
// the whole config minus history and rootfs; other layers carry only what
// their history entry says.
func (c *Config) v1Compatibility(l Layer, leaf bool) (string, error) {
	doc := map[string]interface{}{}
	if leaf {
		dec := json.NewDecoder(bytes.NewReader(c.Raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return "", manifest.Wrap(manifest.InvalidManifest, err, "image config")
		}
	}

	doc["id"] = l.ID
	if l.ParentID != "" {
		doc["parent"] = l.ParentID
	}
	setDefault(doc, "created", l.History.Created)
	setDefault(doc, "author", l.History.Author)
	setDefault(doc, "comment", l.History.Comment)
	if _, ok := doc["throwaway"]; !ok && l.IsEmpty {
		doc["throwaway"] = true
	}
	if _, ok := doc["container_config"]; !ok {
		doc["container_config"] = map[string]interface{}{"Cmd": []string{l.Command}}
	}
	if l.CompressedSize != nil {
		doc["Size"] = *l.CompressedSize
	}
	delete(doc, "history")
	delete(doc, "rootfs")

	b, err := digestutil.CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func setDefault(doc map[string]interface{}, key, value string) {
	if _, ok := doc[key]; ok || value == "" {
		return
	}
	doc[key] = value
}
