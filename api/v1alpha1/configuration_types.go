/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/meta"
)

// EDIT THIS FILE!  THIS IS SCAFFOLDING FOR YOU TO OWN!
// NOTE: json tags are required.  Any new fields you add must have json tags for the fields to be serialized.

// KeySelector names a single key inside a Secret or ConfigMap.
type KeySelector struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	// Namespace defaults to the Configuration's namespace when omitted.
	Namespace string `json:"namespace,omitempty"`
}

// PropertyValueFrom resolves a discoveryProperties entry from a referenced object.
// Exactly one of SecretKeyRef/ConfigMapKeyRef must be set.
type PropertyValueFrom struct {
	SecretKeyRef    *KeySelector `json:"secretKeyRef,omitempty"`
	ConfigMapKeyRef *KeySelector `json:"configMapKeyRef,omitempty"`
}

// PropertySource is one entry of discoveryProperties. Exactly one of
// Value/ValueFrom must be set.
type PropertySource struct {
	Value     *string            `json:"value,omitempty"`
	ValueFrom *PropertyValueFrom `json:"valueFrom,omitempty"`
}

// BrokerSpec is a Pod or Job template to deploy per allocated slot. Exactly
// one of PodSpec/JobSpec must be set.
type BrokerSpec struct {
	PodSpec *corev1.PodSpec `json:"podSpec,omitempty"`
	JobSpec *BrokerJobSpec  `json:"jobSpec,omitempty"`
}

// BrokerJobSpec mirrors the subset of batchv1.JobSpec the reconciler cares
// about; the template itself is passed through untouched.
type BrokerJobSpec struct {
	Parallelism  *int32             `json:"parallelism,omitempty"`
	BackoffLimit *int32             `json:"backoffLimit,omitempty"`
	Template     corev1.PodTemplateSpec `json:"template"`
}

// ServiceSpec is a partial Service template the reconciler fills Selector
// into and applies.
type ServiceSpec struct {
	Ports []corev1.ServicePort `json:"ports,omitempty"`
	Type  corev1.ServiceType   `json:"type,omitempty"`
}

// ConfigurationSpec defines the desired state of Configuration
type ConfigurationSpec struct {
	// DiscoveryHandlerName identifies the protocol-specific Discovery Handler
	// to invoke (e.g. "udev", "opcua", "onvif").
	DiscoveryHandlerName string `json:"discoveryHandlerName"`

	// DiscoveryDetails is an opaque payload forwarded verbatim to the
	// Discovery Handler.
	DiscoveryDetails string `json:"discoveryDetails,omitempty"`

	// DiscoveryProperties resolve into a flat map merged into every
	// discovered device's properties.
	DiscoveryProperties map[string]PropertySource `json:"discoveryProperties,omitempty"`

	// Capacity is the number of allocatable slots per Instance. Must be >= 1.
	Capacity int32 `json:"capacity"`

	// BrokerSpec, if set, is deployed once per allocated slot.
	BrokerSpec *BrokerSpec `json:"brokerSpec,omitempty"`

	// InstanceServiceSpec, if set, selects akri.sh/instance on each Instance.
	InstanceServiceSpec *ServiceSpec `json:"instanceServiceSpec,omitempty"`

	// ConfigurationServiceSpec, if set, selects akri.sh/configuration across
	// all Instances of this Configuration.
	ConfigurationServiceSpec *ServiceSpec `json:"configurationServiceSpec,omitempty"`

	// BrokerProperties are extra env-style key/values merged into every
	// broker's environment alongside device properties.
	BrokerProperties map[string]string `json:"brokerProperties,omitempty"`
}

// ConfigurationStatus defines the observed state of Configuration
type ConfigurationStatus struct {
	// Conditions surface the error taxonomy of the discovery operator
	// (e.g. Ready=False, Reason=UnsolvableProperty).
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Handler",type=string,JSONPath=`.spec.discoveryHandlerName`
//+kubebuilder:printcolumn:name="Capacity",type=integer,JSONPath=`.spec.capacity`

// Configuration is the Schema for the configurations API
type Configuration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ConfigurationSpec   `json:"spec,omitempty"`
	Status ConfigurationStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ConfigurationList contains a list of Configuration
type ConfigurationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Configuration `json:"items"`
}

// SetCondition records a discovery-operator state transition on Status.
func (c *Configuration) SetCondition(condition metav1.Condition) {
	meta.SetStatusCondition(&c.Status.Conditions, condition)
}

func init() {
	SchemeBuilder.Register(&Configuration{}, &ConfigurationList{})
}
