/*
Package intercept answers a site's HTTP requests from versioned response
partitions and the network.

A Worker owns every partition named "{prefix}-v{version}" or
"{prefix}-v{version}-{class}". Requests are classified in order:

  - non-GET requests and bypass hosts (and their subdomains) go straight
    to the network
  - image extensions use Cache-First in the images partition
  - data path segments and data extensions use Network-First in the data
    partition
  - other same-origin requests use Cache-First in the core partition
  - everything else uses Stale-While-Revalidate in the external partition

Only 200 responses are stored. When neither the network nor a partition
can answer, the caller receives a 503 with a plain-text body; intercepted
requests never fail with an error.

# Lifecycle

	new ──Install──▶ installing ──▶ installed ──Activate──▶ activating ──▶ activated
	                     │
	                     └──▶ install-failed (Install may be retried)

Install precaches the manifest into the core partition and stores nothing
unless every URL returned 200. Activate deletes the partitions of other
versions. Until activation the worker forwards every request to the
network untouched.

# Hosting

NewHandler wraps a Worker as an http.Handler, and Worker.Transport exposes
it as an http.RoundTripper for in-process clients. Control messages
(skip-waiting, clear-cache, get-version) are handled by HandleMessage.
*/
package intercept
