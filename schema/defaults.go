package schema

// Broadcast types published by the build pipeline.
const (
	BuildStateChange     = "build.state.change"
	StreamRelease        = "stream.release"
	StreamMetadataUpdate = "stream.metadata.update"
)

// Request types served by release engineering workers.
const (
	OstreeImport  = "ostree-import"
	OstreeSign    = "ostree-sign"
	ArtifactsSign = "artifacts-sign"
)

// DefaultBroadcastRegistry returns the broadcast types the pipeline emits.
func DefaultBroadcastRegistry() *Registry {
	return NewRegistry().
		MustRegister(BuildStateChange, &Schema{
			Required: []string{"build_id", "basearch", "stream", "state"},
		}).
		MustRegister(StreamRelease, &Schema{
			Required: []string{"build_id", "basearch", "stream"},
		}).
		MustRegister(StreamMetadataUpdate, &Schema{
			Required: []string{"stream"},
		})
}

// DefaultRequestRegistry returns the request types the pipeline sends.
func DefaultRequestRegistry() *Registry {
	return NewRegistry().
		MustRegister(OstreeImport, &Schema{
			Required: []string{
				"build_id",
				"basearch",
				"commit_url",
				"checksum",
				"ostree_ref",
				"ostree_checksum",
				"target_repo",
			},
			Enum: map[string][]string{
				"target_repo": {"prod", "compose"},
			},
		}).
		MustRegister(OstreeSign, &Schema{}).
		MustRegister(ArtifactsSign, &Schema{})
}
