// Package properties resolves a Configuration's discoveryProperties —
// literals, secret-key references, configmap-key references — into the flat
// map merged into every discovered device.
package properties

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/akrierror"
)

// cacheKey identifies a cacheable resolution: resolution is pure for a given
// Configuration generation as long as the referenced Secrets/ConfigMaps
// haven't changed resourceVersion, which we approximate here by keying on
// their observed resourceVersions alongside the Configuration generation.
type cacheKey struct {
	namespace         string
	configuration     string
	generation        int64
	referencedVersion string
}

type cachedResult struct {
	values map[string]string
}

// Solver resolves discoveryProperties against the API server.
type Solver struct {
	client kubernetes.Interface

	mu    sync.RWMutex
	cache map[cacheKey]cachedResult

	group singleflight.Group
}

// New returns a Solver backed by client.
func New(client kubernetes.Interface) *Solver {
	return &Solver{client: client, cache: make(map[cacheKey]cachedResult)}
}

// Solve resolves props (a Configuration's discoveryProperties, keyed by
// property name — uniqueness is structural, since Go maps cannot hold
// duplicate keys) into a flat map<string,string>. Concurrent calls for the
// same Configuration generation are deduplicated via singleflight.
// lookupTimeout bounds the API reads of a single resolution.
const lookupTimeout = 10 * time.Second

func (s *Solver) Solve(ctx context.Context, namespace, configuration string, generation int64, props map[string]v1alpha1.PropertySource) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	// Each referenced Secret/ConfigMap is read exactly once; the fetched
	// objects feed both the cache key (their resourceVersions) and the value
	// resolution below.
	refs, refVersion, err := s.fetchReferenced(ctx, namespace, props)
	if err != nil {
		return nil, err
	}

	key := cacheKey{namespace: namespace, configuration: configuration, generation: generation, referencedVersion: refVersion}

	s.mu.RLock()
	if cached, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cloneMap(cached.values), nil
	}
	s.mu.RUnlock()

	result, err, _ := s.group.Do(fmt.Sprintf("%s/%s/%d/%s", namespace, configuration, generation, refVersion), func() (any, error) {
		values, err := resolve(namespace, configuration, props, refs)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = cachedResult{values: values}
		s.mu.Unlock()
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMap(result.(map[string]string)), nil
}

// InvalidateConfiguration drops every cached resolution for a Configuration,
// used by the Config Watcher when a Configuration's spec changes.
func (s *Solver) InvalidateConfiguration(namespace, configuration string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if key.namespace == namespace && key.configuration == configuration {
			delete(s.cache, key)
		}
	}
}

// referencedObjects holds every Secret/ConfigMap a resolution refers to,
// keyed by "namespace/name". A nil entry records an object that does not
// exist, so resolution can still fail with the right taxonomy member.
type referencedObjects struct {
	secrets    map[string]*corev1.Secret
	configMaps map[string]*corev1.ConfigMap
}

func objectKey(namespace, name string) string {
	return namespace + "/" + name
}

func refNamespace(defaultNamespace string, ref *v1alpha1.KeySelector) string {
	if ref.Namespace != "" {
		return ref.Namespace
	}
	return defaultNamespace
}

// fetchReferenced reads every referenced Secret/ConfigMap once and returns
// them alongside a deterministic tag of their resourceVersions, so the cache
// entry naturally invalidates when one of them changes without the Solver
// needing its own watch.
func (s *Solver) fetchReferenced(ctx context.Context, namespace string, props map[string]v1alpha1.PropertySource) (*referencedObjects, string, error) {
	refs := &referencedObjects{
		secrets:    make(map[string]*corev1.Secret),
		configMaps: make(map[string]*corev1.ConfigMap),
	}
	var tags []string

	for _, source := range props {
		if source.ValueFrom == nil {
			continue
		}
		switch {
		case source.ValueFrom.SecretKeyRef != nil:
			ref := source.ValueFrom.SecretKeyRef
			ns := refNamespace(namespace, ref)
			key := objectKey(ns, ref.Name)
			if _, seen := refs.secrets[key]; seen {
				continue
			}
			secret, err := s.client.CoreV1().Secrets(ns).Get(ctx, ref.Name, metav1.GetOptions{})
			version := "missing"
			switch {
			case err == nil:
				version = secret.ResourceVersion
			case kerrors.IsNotFound(err):
				secret = nil
			default:
				return nil, "", &akrierror.KubeError{Op: "get secret " + ref.Name, Err: err}
			}
			refs.secrets[key] = secret
			tags = append(tags, "secret/"+key+"@"+version)
		case source.ValueFrom.ConfigMapKeyRef != nil:
			ref := source.ValueFrom.ConfigMapKeyRef
			ns := refNamespace(namespace, ref)
			key := objectKey(ns, ref.Name)
			if _, seen := refs.configMaps[key]; seen {
				continue
			}
			cm, err := s.client.CoreV1().ConfigMaps(ns).Get(ctx, ref.Name, metav1.GetOptions{})
			version := "missing"
			switch {
			case err == nil:
				version = cm.ResourceVersion
			case kerrors.IsNotFound(err):
				cm = nil
			default:
				return nil, "", &akrierror.KubeError{Op: "get configmap " + ref.Name, Err: err}
			}
			refs.configMaps[key] = cm
			tags = append(tags, "configmap/"+key+"@"+version)
		}
	}

	// Map iteration order varies; the tag must not.
	sort.Strings(tags)
	return refs, strings.Join(tags, ";"), nil
}

// resolve is pure over the pre-fetched objects; it performs no API reads.
func resolve(namespace, configuration string, props map[string]v1alpha1.PropertySource, refs *referencedObjects) (map[string]string, error) {
	values := make(map[string]string, len(props))
	for name, source := range props {
		value, err := resolveOne(namespace, configuration, name, source, refs)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

func resolveOne(namespace, configuration, name string, source v1alpha1.PropertySource, refs *referencedObjects) (string, error) {
	hasValue := source.Value != nil
	hasValueFrom := source.ValueFrom != nil
	if hasValue == hasValueFrom {
		return "", &akrierror.InvalidDiscoveryDetails{Configuration: configuration, Reason: fmt.Sprintf("discoveryProperties[%s]: exactly one of value/valueFrom must be set", name)}
	}
	if hasValue {
		return *source.Value, nil
	}

	vf := source.ValueFrom
	hasSecret := vf.SecretKeyRef != nil
	hasConfigMap := vf.ConfigMapKeyRef != nil
	if hasSecret == hasConfigMap {
		return "", &akrierror.InvalidDiscoveryDetails{Configuration: configuration, Reason: fmt.Sprintf("discoveryProperties[%s].valueFrom: exactly one of secretKeyRef/configMapKeyRef must be set", name)}
	}

	if hasSecret {
		ref := vf.SecretKeyRef
		secret := refs.secrets[objectKey(refNamespace(namespace, ref), ref.Name)]
		if secret == nil {
			return "", &akrierror.UnsolvableProperty{Kind: "Secret", Name: ref.Name, Key: ref.Key, Property: name}
		}
		raw, ok := secret.Data[ref.Key]
		if !ok {
			return "", &akrierror.UnsolvableProperty{Kind: "Secret", Name: ref.Name, Key: ref.Key, Property: name}
		}
		return string(raw), nil
	}

	ref := vf.ConfigMapKeyRef
	cm := refs.configMaps[objectKey(refNamespace(namespace, ref), ref.Name)]
	if cm == nil {
		return "", &akrierror.UnsolvableProperty{Kind: "ConfigMap", Name: ref.Name, Key: ref.Key, Property: name}
	}
	value, ok := cm.Data[ref.Key]
	if !ok {
		return "", &akrierror.UnsolvableProperty{Kind: "ConfigMap", Name: ref.Name, Key: ref.Key, Property: name}
	}
	return value, nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

