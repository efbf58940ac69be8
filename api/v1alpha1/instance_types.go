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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/meta"
)

// EDIT THIS FILE!  THIS IS SCAFFOLDING FOR YOU TO OWN!
// NOTE: json tags are required.  Any new fields you add must have json tags for the fields to be serialized.

// Mount is a host-path descriptor to bind-mount into a broker container.
type Mount struct {
	ContainerPath string `json:"containerPath"`
	HostPath      string `json:"hostPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// DeviceSpec is a host device node descriptor to expose to a broker
// container.
type DeviceSpec struct {
	ContainerPath string `json:"containerPath"`
	HostPath      string `json:"hostPath"`
	Permissions   string `json:"permissions,omitempty"`
}

// InstanceSpec defines the desired state of Instance
type InstanceSpec struct {
	// ConfigurationName is the owning Configuration.
	ConfigurationName string `json:"configurationName"`

	// BrokerProperties is the merged handler-result + Configuration
	// discoveryProperties map, injected into every broker's environment.
	BrokerProperties map[string]string `json:"brokerProperties,omitempty"`

	// Shared marks an Instance visible to (and claimable by) multiple nodes.
	Shared bool `json:"shared"`

	// Nodes lists every node currently aware of this device.
	Nodes []string `json:"nodes,omitempty"`

	// DeviceUsage maps slot id ("0".."capacity-1") to the node holding it,
	// or "" if the slot is free. len(DeviceUsage) always equals the owning
	// Configuration's capacity.
	DeviceUsage map[string]string `json:"deviceUsage,omitempty"`

	// Mounts and DeviceSpecs are copied from the Discovery Handler's Device
	// record and injected into every broker allocated a slot.
	Mounts      []Mount      `json:"mounts,omitempty"`
	DeviceSpecs []DeviceSpec `json:"deviceSpecs,omitempty"`
}

// InstanceStatus defines the observed state of Instance
type InstanceStatus struct {
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Configuration",type=string,JSONPath=`.spec.configurationName`
//+kubebuilder:printcolumn:name="Shared",type=boolean,JSONPath=`.spec.shared`
//+kubebuilder:printcolumn:name="Nodes",type=string,JSONPath=`.spec.nodes`

// Instance is the Schema for the instances API
type Instance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   InstanceSpec   `json:"spec,omitempty"`
	Status InstanceStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// InstanceList contains a list of Instance
type InstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Instance `json:"items"`
}

func (i *Instance) SetCondition(condition metav1.Condition) {
	meta.SetStatusCondition(&i.Status.Conditions, condition)
}

// FreeSlots returns the slot ids ("0".."capacity-1") currently unowned.
func (i *Instance) FreeSlots() []string {
	free := make([]string, 0, len(i.Spec.DeviceUsage))
	for slot, node := range i.Spec.DeviceUsage {
		if node == "" {
			free = append(free, slot)
		}
	}
	return free
}

// HasNode reports whether the named node is already recorded against this
// Instance.
func (i *Instance) HasNode(node string) bool {
	for _, n := range i.Spec.Nodes {
		if n == node {
			return true
		}
	}
	return false
}

const (
	// LabelConfiguration is set on every object derived from a Configuration.
	LabelConfiguration = "akri.sh/configuration"
	// LabelInstance is set on every object derived from an Instance.
	LabelInstance = "akri.sh/instance"
	// LabelTargetNode pins a broker workload to the node holding its slot.
	LabelTargetNode = "akri.sh/target-node"
	// SlotAnnotationPrefix prefixes the slot-id annotation key
	// ("<prefix><instance>-<slot>") that Allocate sets on broker containers
	// and the Instance reconciler sets on broker Pods, e.g.
	// "akri.agent.slot-cam-8d3f2a6b91-3". Jobs do not carry it.
	SlotAnnotationPrefix = "akri.agent.slot-"
	// FinalizerBrokerCleanup blocks Instance deletion until owned broker
	// workloads are removed.
	FinalizerBrokerCleanup = "akri.sh/broker-cleanup"
)

func init() {
	SchemeBuilder.Register(&Instance{}, &InstanceList{})
}
