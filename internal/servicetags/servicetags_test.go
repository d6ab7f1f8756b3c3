// Copyright 2025 James Ross
package servicetags

import (
	"testing"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestExpandConfiguredType(t *testing.T) {
	e := New(config.ServiceTagMapping{
		"comfyui-gpu": {"image-gen", "upscale", "comfyui-gpu"},
	})
	tags := e.Expand("comfyui-gpu", nil)
	assert.ElementsMatch(t, []string{"image-gen", "upscale", "comfyui-gpu"}, tags)
}

func TestExpandUnconfiguredTypeFallsBackToItself(t *testing.T) {
	e := New(nil)
	tags := e.Expand("custom-worker", nil)
	assert.Equal(t, []string{"custom-worker"}, tags)
}

func TestExpandDeduplicatesExtras(t *testing.T) {
	e := New(config.ServiceTagMapping{"a1111": {"txt2img"}})
	tags := e.Expand("a1111", []string{"txt2img", "img2img"})
	assert.ElementsMatch(t, []string{"txt2img", "img2img"}, tags)
}
