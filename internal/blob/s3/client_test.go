package s3blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	c := &Client{bucket: "ops", prefix: normalisePrefix("/perpops/")}
	assert.Equal(t, "perpops/metadata/staging.json", c.ObjectKey("metadata/staging.json"))
	assert.Equal(t, "perpops/metadata/staging.json", c.ObjectKey("/metadata/staging.json"))

	bare := &Client{bucket: "ops", prefix: normalisePrefix("")}
	assert.Equal(t, "settings/test.json", bare.ObjectKey("settings/test.json"))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", normaliseEndpoint("minio.local:9000", true))
	assert.Equal(t, "http://minio.local:9000", normaliseEndpoint("minio.local:9000", false))
	assert.Equal(t, "http://10.0.0.1", normaliseEndpoint("http://10.0.0.1", true))
}
