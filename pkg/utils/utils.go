package utils

import (
	"context"

	"github.com/barkimedes/go-deepcopy"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// GetOrCreateObject returns the live copy of expected, creating it when it
// does not exist yet. Used by the broker reconcilers for workloads that must
// never be replaced once present (Jobs own their own retries).
func GetOrCreateObject(ctx context.Context, cl client.Client, expected client.Object, log logrus.FieldLogger) (client.Object, error) {
	key := types.NamespacedName{
		Name:      expected.GetName(),
		Namespace: expected.GetNamespace(),
	}

	obj := deepcopy.MustAnything(expected).(client.Object)
	err := cl.Get(ctx, key, obj)
	if errors.IsNotFound(err) {
		kind := expected.GetObjectKind().GroupVersionKind().Kind
		if err = cl.Create(ctx, expected); err != nil {
			return nil, pkgerrors.Wrapf(err, "creating %s %s", kind, key)
		}
		log.Infof("created %s %s", kind, key)
		return expected, nil
	}

	return obj, err
}

// DeleteObject removes obj, treating NotFound as success.
func DeleteObject(ctx context.Context, cl client.Client, obj client.Object, opts ...client.DeleteOption) error {
	return client.IgnoreNotFound(cl.Delete(ctx, obj, opts...))
}
