package handler

// Route type
type Route string

const (
	// RouteList search and paginate the merged package listing
	RouteList Route = "list"
	// RouteMetadata get the full metadata record of a package
	RouteMetadata Route = "metadata"
	// RouteVersion get the metadata record of a single version
	RouteVersion Route = "version"
	// RouteArchive download the archive of a version
	RouteArchive Route = "archive"
	// RoutePublish publish a private package version
	RoutePublish Route = "publish"
)
